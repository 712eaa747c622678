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

package builtintool

import (
	"context"
	"errors"
	"fmt"

	"github.com/dakproject/dak/pkg/payment"
	"github.com/dakproject/dak/pkg/tool"
	"github.com/dakproject/dak/pkg/tool/functiontool"
)

// CheckBalance creates the wallet balance tool.
func CheckBalance(wallet payment.Wallet, network string) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name:        "check_balance",
		Description: "Check the current SOL balance in the agent's wallet.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		balance, err := wallet.Balance(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch balance: %w", err)
		}
		return map[string]any{
			"result": fmt.Sprintf("## Wallet Balance\n\n**Address**: `%s`\n**Balance**: %.6f SOL\n**Network**: %s",
				wallet.Address(), balance, network),
			"balance": balance,
			"address": wallet.Address(),
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

type sendPaymentArgs struct {
	Recipient string  `json:"recipient" jsonschema:"required,description=The recipient's public address"`
	Amount    float64 `json:"amount" jsonschema:"required,description=The amount of SOL to send"`
	Memo      string  `json:"memo,omitempty" jsonschema:"description=Optional memo for the transaction"`
}

// SendPayment creates the payment tool. It never pays on its own initiative:
// the model must have decided to pay based on user consent or a mandate.
//
// A send that is interrupted mid-flight reports status "unknown" rather than
// failure: the transfer may still have settled, and the caller reconciles by
// verifying the signature.
func SendPayment(wallet payment.Wallet) tool.CallableTool {
	t, err := functiontool.New(functiontool.Config{
		Name: "send_payment",
		Description: "Send SOL to a recipient address. " +
			"Only use this when payment was authorized by the user or a valid mandate. Do NOT auto-pay.",
	}, func(ctx tool.Context, args sendPaymentArgs) (map[string]any, error) {
		balance, err := wallet.Balance(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check balance before sending: %w", err)
		}
		if balance < args.Amount {
			return map[string]any{
				"status": "failed",
				"result": fmt.Sprintf("Error: Insufficient balance. Current: %.6f SOL, Required: %.6f SOL",
					balance, args.Amount),
			}, nil
		}

		signature, err := wallet.Send(ctx, args.Recipient, args.Amount, args.Memo)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return map[string]any{
					"status": "unknown",
					"result": fmt.Sprintf(
						"Payment of %.6f SOL to %s was interrupted; the transfer may or may not have settled. "+
							"Do NOT send again. Verify the transaction before retrying.", args.Amount, args.Recipient),
				}, nil
			}
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		newBalance, balErr := wallet.Balance(ctx)
		result := fmt.Sprintf("## Payment Sent\n\n**Recipient**: `%s`\n**Amount**: %.6f SOL\n**Transaction**: `%s`",
			args.Recipient, args.Amount, signature)
		if balErr == nil {
			result += fmt.Sprintf("\n**Remaining Balance**: %.6f SOL", newBalance)
		}
		return map[string]any{
			"status":       "sent",
			"result":       result,
			"payment_hash": signature,
		}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}
