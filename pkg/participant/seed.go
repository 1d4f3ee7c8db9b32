package participant

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/ordersaga/ordersaga/pkg/ledger"
)

// Seed is the initial participant data.
type Seed struct {
	Products []Product `koanf:"products"`
	Coupons  []Coupon  `koanf:"coupons"`
	Wallets  []Wallet  `koanf:"wallets"`
}

// LoadSeed reads a YAML or JSON seed file.
func LoadSeed(path string) (*Seed, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
		return nil, fmt.Errorf("load seed %s: %w", path, err)
	}
	return unmarshalSeed(k)
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Parser()
	default:
		return yaml.Parser()
	}
}

func unmarshalSeed(k *koanf.Koanf) (*Seed, error) {
	var seed Seed
	if err := k.UnmarshalWithConf("", &seed, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// ApplyInventory writes products that do not exist yet.
func (s *Seed) ApplyInventory(ctx context.Context, store ledger.Store) (int, error) {
	records := make(map[string]any, len(s.Products))
	for _, p := range s.Products {
		records[productKey(p.ID)] = p
	}
	return putAbsent(ctx, store, records)
}

// ApplyCoupons writes coupons and their issued copies that do not exist yet.
func (s *Seed) ApplyCoupons(ctx context.Context, store ledger.Store) (int, error) {
	records := make(map[string]any)
	for _, c := range s.Coupons {
		records[couponKey(c.ID)] = c
		for _, userID := range c.IssuedTo {
			records[issuedKey(c.ID, userID)] = IssuedCoupon{CouponID: c.ID, UserID: userID}
		}
	}
	return putAbsent(ctx, store, records)
}

// ApplyWallets writes wallets that do not exist yet.
func (s *Seed) ApplyWallets(ctx context.Context, store ledger.Store) (int, error) {
	records := make(map[string]any, len(s.Wallets))
	for _, w := range s.Wallets {
		records[walletKey(w.UserID)] = w
	}
	return putAbsent(ctx, store, records)
}

// putAbsent never overwrites, so restarting with the same seed file keeps
// balances that sagas already changed.
func putAbsent(ctx context.Context, store ledger.Store, records map[string]any) (int, error) {
	written := 0
	err := store.Update(ctx, func(tx ledger.Tx) error {
		written = 0
		for key, value := range records {
			var existing map[string]any
			found, err := tx.Get(key, &existing)
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if err := tx.Put(key, value); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	return written, err
}
