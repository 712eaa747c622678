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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/dakproject/dak/pkg/httpclient"
)

// Solana RPC endpoints.
const (
	DevnetRPC  = "https://api.devnet.solana.com"
	MainnetRPC = "https://api.mainnet-beta.solana.com"
)

const lamportsPerSol = 1e9

// ErrSigningUnsupported is returned by SolanaWallet.Send. Outgoing transfers
// need a signer; this wallet holds no key material and only reads the chain.
// Run the mock wallet when the agent itself must pay.
var ErrSigningUnsupported = errors.New("solana wallet is read-only: no signing key configured")

// SolanaWallet reads balances and verifies settlements over Solana JSON-RPC.
type SolanaWallet struct {
	rpcURL  string
	address string
	client  *httpclient.Client
	reqID   atomic.Int64
	logger  *slog.Logger
}

// NewSolanaWallet creates a read-only wallet for the given public address.
// rpcURL defaults to devnet when empty.
func NewSolanaWallet(rpcURL, address string) (*SolanaWallet, error) {
	if address == "" {
		return nil, errors.New("solana wallet requires a public address")
	}
	if rpcURL == "" {
		rpcURL = DevnetRPC
	}
	return &SolanaWallet{
		rpcURL:  rpcURL,
		address: address,
		client:  httpclient.New(httpclient.WithMaxRetries(3)),
		logger:  slog.Default().With("component", "wallet", "mode", "solana"),
	}, nil
}

func (w *SolanaWallet) Address() string {
	return w.address
}

func (w *SolanaWallet) Balance(ctx context.Context) (float64, error) {
	var result struct {
		Value *uint64 `json:"value"`
	}
	err := w.call(ctx, "getBalance", []any{w.address, map[string]any{"commitment": "confirmed"}}, &result)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance: %w", err)
	}
	if result.Value == nil {
		return 0, nil
	}
	return float64(*result.Value) / lamportsPerSol, nil
}

func (w *SolanaWallet) Send(ctx context.Context, recipient string, amount float64, memo string) (string, error) {
	return "", ErrSigningUnsupported
}

// parsedTransaction is the jsonParsed shape of a confirmed transaction,
// reduced to the system-program transfer instructions.
type parsedTransaction struct {
	Transaction struct {
		Message struct {
			Instructions []struct {
				Program string `json:"program"`
				Parsed  struct {
					Type string `json:"type"`
					Info struct {
						Destination string  `json:"destination"`
						Lamports    float64 `json:"lamports"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// Verify confirms that the signature is a confirmed transaction carrying a
// system-program transfer of at least minAmount to the recipient.
func (w *SolanaWallet) Verify(ctx context.Context, signature, recipient string, minAmount float64) (bool, error) {
	var result json.RawMessage
	err := w.call(ctx, "getTransaction",
		[]any{signature, map[string]any{"encoding": "jsonParsed", "commitment": "confirmed"}}, &result)
	if err != nil {
		return false, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if len(result) == 0 || string(result) == "null" {
		w.logger.Warn("Transaction not found", "signature", signature)
		return false, nil
	}

	var tx parsedTransaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return false, fmt.Errorf("failed to decode transaction: %w", err)
	}

	minLamports := minAmount * lamportsPerSol
	for _, ins := range tx.Transaction.Message.Instructions {
		if ins.Program != "system" || ins.Parsed.Type != "transfer" {
			continue
		}
		if ins.Parsed.Info.Destination == recipient && ins.Parsed.Info.Lamports >= minLamports {
			w.logger.Info("Transfer verified", "signature", signature,
				"recipient", recipient, "lamports", ins.Parsed.Info.Lamports)
			return true, nil
		}
	}

	w.logger.Warn("No matching transfer in transaction", "signature", signature,
		"recipient", recipient, "min_amount", minAmount)
	return false, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (w *SolanaWallet) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      w.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode rpc result: %w", err)
		}
	}
	return nil
}

var _ Wallet = (*SolanaWallet)(nil)
