package marketstore

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/interest-protocol/interest-borrow/core/types"
	"github.com/interest-protocol/interest-borrow/native/market"
	"github.com/interest-protocol/interest-borrow/storage"
)

var (
	marketPrefix   = []byte("market/")
	positionPrefix = []byte("position/")
	accountPrefix  = []byte("account/")
	feesPrefix     = []byte("fees/")
)

// Store persists engine records as RLP blobs under prefixed keys. It
// implements the state interface consumed by the market engine; missing
// records read back as nil so the engine applies its own defaults.
type Store struct {
	db storage.Database
}

// New wraps the supplied database.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func marketKey(id string) []byte {
	return append(append([]byte{}, marketPrefix...), id...)
}

func positionKey(id string, addr [20]byte) []byte {
	key := append(append([]byte{}, positionPrefix...), id...)
	key = append(key, '/')
	return append(key, addr[:]...)
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte{}, accountPrefix...), addr[:]...)
}

func feesKey(id string) []byte {
	return append(append([]byte{}, feesPrefix...), id...)
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("marketstore: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, record interface{}) error {
	raw, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("marketstore: encode %q: %w", key, err)
	}
	return s.db.Put(key, raw)
}

// GetMarket loads a market definition, or nil when absent.
func (s *Store) GetMarket(id string) (*market.Market, error) {
	record := new(market.Market)
	ok, err := s.get(marketKey(id), record)
	if err != nil || !ok {
		return nil, err
	}
	record.EnsureDefaults()
	return record, nil
}

// PutMarket stores a market definition.
func (s *Store) PutMarket(id string, m *market.Market) error {
	if m == nil {
		return fmt.Errorf("marketstore: nil market")
	}
	return s.put(marketKey(id), m)
}

// GetPosition loads an account's position in a market, or nil when absent.
func (s *Store) GetPosition(id string, addr [20]byte) (*market.Position, error) {
	record := new(market.Position)
	ok, err := s.get(positionKey(id, addr), record)
	if err != nil || !ok {
		return nil, err
	}
	record.EnsureDefaults()
	return record, nil
}

// PutPosition stores a position under its owner's address.
func (s *Store) PutPosition(id string, position *market.Position) error {
	if position == nil {
		return fmt.Errorf("marketstore: nil position")
	}
	return s.put(positionKey(id, position.Address), position)
}

// GetFeeAccrual loads a market's uncollected protocol earnings, or nil when
// absent.
func (s *Store) GetFeeAccrual(id string) (*market.FeeAccrual, error) {
	record := new(market.FeeAccrual)
	ok, err := s.get(feesKey(id), record)
	if err != nil || !ok {
		return nil, err
	}
	record.EnsureDefaults()
	return record, nil
}

// PutFeeAccrual stores a market's uncollected protocol earnings.
func (s *Store) PutFeeAccrual(id string, fees *market.FeeAccrual) error {
	if fees == nil {
		return fmt.Errorf("marketstore: nil fee accrual")
	}
	return s.put(feesKey(id), fees)
}

// balanceEntry is the wire shape for one asset balance. RLP cannot encode
// maps, so accounts round-trip through a sorted entry list.
type balanceEntry struct {
	Asset  string
	Amount *big.Int
}

type storedAccount struct {
	Balances []balanceEntry
}

// GetAccount loads the custodied balances for an address, or nil when
// absent.
func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	record := new(storedAccount)
	ok, err := s.get(accountKey(addr), record)
	if err != nil || !ok {
		return nil, err
	}
	account := types.NewAccount()
	for _, entry := range record.Balances {
		account.SetBalance(entry.Asset, entry.Amount)
	}
	return account, nil
}

// PutAccount stores the custodied balances for an address.
func (s *Store) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("marketstore: nil account")
	}
	return s.put(accountKey(addr), encodeAccount(account))
}

func encodeAccount(account *types.Account) storedAccount {
	record := storedAccount{Balances: make([]balanceEntry, 0, len(account.Balances))}
	for asset, amount := range account.Balances {
		record.Balances = append(record.Balances, balanceEntry{Asset: asset, Amount: amount})
	}
	sort.Slice(record.Balances, func(i, j int) bool {
		return record.Balances[i].Asset < record.Balances[j].Asset
	})
	return record
}

// BeginBatch starts staging records for one atomic database write.
func (s *Store) BeginBatch() market.StateBatch {
	return &StoreBatch{db: s.db, batch: new(storage.Batch)}
}

// StoreBatch accumulates encoded records and lands them in a single write,
// so a storage fault cannot leave half a commit behind.
type StoreBatch struct {
	db    storage.Database
	batch *storage.Batch
}

func (b *StoreBatch) put(key []byte, record interface{}) error {
	raw, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("marketstore: encode %q: %w", key, err)
	}
	b.batch.Put(key, raw)
	return nil
}

// PutMarket stages a market definition.
func (b *StoreBatch) PutMarket(id string, m *market.Market) error {
	if m == nil {
		return fmt.Errorf("marketstore: nil market")
	}
	return b.put(marketKey(id), m)
}

// PutPosition stages a position under its owner's address.
func (b *StoreBatch) PutPosition(id string, position *market.Position) error {
	if position == nil {
		return fmt.Errorf("marketstore: nil position")
	}
	return b.put(positionKey(id, position.Address), position)
}

// PutAccount stages the custodied balances for an address.
func (b *StoreBatch) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("marketstore: nil account")
	}
	return b.put(accountKey(addr), encodeAccount(account))
}

// PutFeeAccrual stages a market's uncollected protocol earnings.
func (b *StoreBatch) PutFeeAccrual(id string, fees *market.FeeAccrual) error {
	if fees == nil {
		return fmt.Errorf("marketstore: nil fee accrual")
	}
	return b.put(feesKey(id), fees)
}

// Commit writes every staged record in one batch.
func (b *StoreBatch) Commit() error {
	return b.db.Write(b.batch)
}
