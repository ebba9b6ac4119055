package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"marketchain/core/types"
	"marketchain/state"
)

// Spec describes the initial ledger contents: funded accounts and the
// administrator role. The file is JSON, applied exactly once on first boot.
type Spec struct {
	GenesisTime string            `json:"genesisTime,omitempty"`
	Alloc       map[string]string `json:"alloc"` // addr -> amount
	Admin       string            `json:"admin"`
}

// Load reads and validates a genesis spec from disk.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	spec := &Spec{}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks addresses and amounts without touching state.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("genesis: nil spec")
	}
	if _, err := types.ParseAddress(s.Admin); err != nil {
		return fmt.Errorf("genesis: admin: %w", err)
	}
	for addr, amount := range s.Alloc {
		if _, err := types.ParseAddress(addr); err != nil {
			return fmt.Errorf("genesis: alloc: %w", err)
		}
		if _, err := parseAmount(amount); err != nil {
			return fmt.Errorf("genesis: alloc %s: %w", addr, err)
		}
	}
	return nil
}

// AdminAddress returns the parsed administrator address.
func (s *Spec) AdminAddress() ([20]byte, error) {
	return types.ParseAddress(s.Admin)
}

// Apply funds the allocated accounts. Callers are responsible for running it
// only once; a re-application would double-fund.
func (s *Spec) Apply(st *state.MarketState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for addrStr, amountStr := range s.Alloc {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return err
		}
		amount, err := parseAmount(amountStr)
		if err != nil {
			return err
		}
		account, err := st.GetAccount(addr)
		if err != nil {
			return err
		}
		account.Balance = new(big.Int).Add(account.Balance, amount)
		if err := st.PutAccount(addr, account); err != nil {
			return err
		}
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return amount, nil
}
