// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package payment brokers paid tool calls.
//
// A paid tool demands settlement before execution. The broker never pays on
// its own: it turns the demand into a structured observation the model can
// reason about, and on retry verifies the supplied payment_hash against the
// wallet before letting the dispatch through.
package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dakproject/dak/pkg/tool"
)

// HashArg is the argument name carrying the settlement proof on a retried
// paid tool call. The broker consumes it; the tool never sees it.
const HashArg = "payment_hash"

// Invoice describes a payment demand raised for a tool call.
type Invoice struct {
	ToolName  string
	Price     float64
	Currency  string
	Recipient string
	Reason    string
}

// Required is the error returned when a paid tool is dispatched without a
// settled payment.
type Required struct {
	Invoice Invoice
}

func (e *Required) Error() string {
	return fmt.Sprintf("Payment of %g %s required for %s",
		e.Invoice.Price, e.Invoice.Currency, e.Invoice.ToolName)
}

// VerificationFailed is the error returned when a supplied payment hash does
// not verify against the wallet.
type VerificationFailed struct {
	Hash    string
	Invoice Invoice
}

func (e *VerificationFailed) Error() string {
	return fmt.Sprintf("Payment verification failed for hash: %s", e.Hash)
}

// Required re-raises the payment demand after a failed verification. The
// tool stays unpaid, so the model gets the full envelope again with the
// failure as the reason.
func (e *VerificationFailed) Required() *Required {
	inv := e.Invoice
	inv.Reason = fmt.Sprintf("verification failed for hash %s", e.Hash)
	return &Required{Invoice: inv}
}

// Broker gates paid tool dispatches against a wallet.
type Broker struct {
	wallet Wallet
	logger *slog.Logger
}

// NewBroker creates a broker over the given wallet.
func NewBroker(wallet Wallet) *Broker {
	return &Broker{
		wallet: wallet,
		logger: slog.Default().With("component", "payments"),
	}
}

// Wallet returns the broker's wallet.
func (b *Broker) Wallet() Wallet {
	return b.wallet
}

// Authorize checks a tool's payment demand against the call arguments.
//
// Free tools pass through untouched. For a paid tool, a missing payment_hash
// yields a Required error and an invalid hash a VerificationFailed error; a
// verified hash is consumed and the remaining arguments are returned for
// dispatch.
func (b *Broker) Authorize(ctx context.Context, desc tool.Descriptor, args map[string]any) (map[string]any, error) {
	if desc.Paid == nil {
		return args, nil
	}

	invoice := Invoice{
		ToolName:  desc.Name,
		Price:     desc.Paid.Price,
		Currency:  desc.Paid.Currency,
		Recipient: desc.Paid.Recipient,
		Reason:    desc.Paid.Reason,
	}
	if invoice.Currency == "" {
		invoice.Currency = "SOL"
	}
	if invoice.Reason == "" {
		invoice.Reason = "Service fee"
	}

	hash, _ := args[HashArg].(string)
	if hash == "" {
		b.logger.Info("Payment required", "tool", desc.Name,
			"price", invoice.Price, "currency", invoice.Currency)
		return nil, &Required{Invoice: invoice}
	}

	ok, err := b.wallet.Verify(ctx, hash, invoice.Recipient, invoice.Price)
	if err != nil {
		return nil, fmt.Errorf("payment verification error for %s: %w", desc.Name, err)
	}
	if !ok {
		b.logger.Warn("Payment verification failed", "tool", desc.Name, "hash", hash)
		return nil, &VerificationFailed{Hash: hash, Invoice: invoice}
	}

	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		if k != HashArg {
			cleaned[k] = v
		}
	}
	b.logger.Info("Payment verified", "tool", desc.Name, "hash", hash)
	return cleaned, nil
}

// FormatRequired renders a Required error as the observation fed back to the
// model. The model decides what to do: check the balance, request payment
// from the user, or abandon the call. The broker never pays.
func FormatRequired(e *Required) string {
	inv := e.Invoice
	return fmt.Sprintf(`## Payment Required

The tool `+"`%s`"+` requires payment before execution.

**Payment Details:**
- **Amount**: %g %s
- **Recipient**: %s
- **Reason**: %s

**Action Required:**
This tool cannot be executed without payment.
If you wish to proceed, you must:
1. (Optional) Check your balance using `+"`check_balance`"+` if you are unsure.
2. Pay the required amount using `+"`send_payment(recipient=%q, amount=%g)`"+`.
3. Retry the original tool call with the `+"`payment_hash`"+` argument returned by the payment tool.

**Decision**:
You CANNOT pay this yourself. You must request payment from the user (or calling agent).
Return the following message EXACTLY to the user:
"Payment Required: %g %s to %s. Reason: %s"`,
		inv.ToolName,
		inv.Price, inv.Currency,
		inv.Recipient,
		inv.Reason,
		inv.Recipient, inv.Price,
		inv.Price, inv.Currency, inv.Recipient, inv.Reason)
}
