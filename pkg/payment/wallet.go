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

package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Wallet abstracts the chain the agent pays on. Implementations may be
// shared process-wide; writes are serialized by the implementation.
type Wallet interface {
	// Address returns the wallet's public address.
	Address() string

	// Balance returns the spendable balance in whole currency units.
	Balance(ctx context.Context) (float64, error)

	// Send transfers amount to recipient and returns the transaction
	// signature. The memo is best effort.
	Send(ctx context.Context, recipient string, amount float64, memo string) (string, error)

	// Verify reports whether the signature settles at least minAmount to
	// recipient on chain.
	Verify(ctx context.Context, signature, recipient string, minAmount float64) (bool, error)
}

// MockAddress is the fixed address of the mock wallet.
const MockAddress = "MockSoLAddress1111111111111111111111111111111"

// mockInitialBalance funds demo sessions generously.
const mockInitialBalance = 1000.0

// MockWallet is an in-process wallet for demos and tests. Signatures it
// issues carry the MockTx prefix; Verify accepts only those.
type MockWallet struct {
	mu      sync.Mutex
	balance float64
	logger  *slog.Logger
}

// NewMockWallet creates a funded mock wallet.
func NewMockWallet() *MockWallet {
	return &MockWallet{
		balance: mockInitialBalance,
		logger:  slog.Default().With("component", "wallet", "mode", "mock"),
	}
}

func (w *MockWallet) Address() string {
	return MockAddress
}

func (w *MockWallet) Balance(ctx context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance, nil
}

func (w *MockWallet) Send(ctx context.Context, recipient string, amount float64, memo string) (string, error) {
	w.mu.Lock()
	w.balance -= amount
	w.mu.Unlock()

	prefix := recipient
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	signature := fmt.Sprintf("MockTx_%d_%s", int64(amount*1e9), prefix)
	w.logger.Info("Sent payment", "amount", amount, "recipient", recipient, "signature", signature)
	return signature, nil
}

func (w *MockWallet) Verify(ctx context.Context, signature, recipient string, minAmount float64) (bool, error) {
	if !strings.HasPrefix(signature, "MockTx") {
		w.logger.Warn("Verification failed for invalid signature", "signature", signature)
		return false, nil
	}
	w.logger.Info("Verified transaction", "signature", signature)
	return true, nil
}

var _ Wallet = (*MockWallet)(nil)
