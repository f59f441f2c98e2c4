package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	travelsBucketName        = "travels"
	receiptsBucketName       = "receipts"
	travelReceiptsBucketName = "travel_receipts"
)

// Store defines the persistence operations for travels and receipts.
//
// Every operation that adds, changes or removes a receipt recomputes the
// owning travel's TotalAmount as the last step of the same transaction and
// returns the new total. If the recompute fails the whole change is rolled
// back.
type Store interface {
	// CreateTravel saves a new travel
	CreateTravel(ctx context.Context, travel *Travel) error

	// GetTravel retrieves a travel by ID
	GetTravel(ctx context.Context, id string) (*Travel, error)

	// ListTravels returns the owner's travels, latest start date first
	ListTravels(ctx context.Context, ownerID string) ([]*Travel, error)

	// UpdateTravel applies mutate to a travel. ID, owner and total are preserved.
	UpdateTravel(ctx context.Context, id string, mutate func(*Travel) error) (*Travel, error)

	// DeleteTravel removes a travel and all its receipts, returning the removed receipts
	DeleteTravel(ctx context.Context, id string, check func(*Travel) error) ([]*Receipt, error)

	// InsertReceipt saves a new receipt under its travel
	InsertReceipt(ctx context.Context, receipt *Receipt) (int64, error)

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns a travel's receipts, latest payment first
	ListReceipts(ctx context.Context, travelID string) ([]*Receipt, error)

	// UpdateReceipt applies mutate to a receipt
	UpdateReceipt(ctx context.Context, id string, mutate func(*Travel, *Receipt) error) (*Receipt, int64, error)

	// SetReceiptDescription replaces a receipt's description without touching the total
	SetReceiptDescription(ctx context.Context, id string, description *string, updatedAt time.Time) (*Receipt, error)

	// DeleteReceipt removes a receipt once check allows it
	DeleteReceipt(ctx context.Context, id string, check func(*Travel, *Receipt) error) (*Receipt, int64, error)

	// RecomputeTravelTotal sums the travel's receipts and stores the result
	RecomputeTravelTotal(ctx context.Context, travelID string) (int64, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the Store interface using BoltDB. Receipt IDs are
// indexed per travel in a nested bucket of travel_receipts. bbolt allows a
// single writer at a time, so mutations of the same travel are serialized.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{travelsBucketName, receiptsBucketName, travelReceiptsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateTravel saves a new travel
func (b *BoltDB) CreateTravel(ctx context.Context, travel *Travel) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putTravel(tx, travel)
	})
}

// GetTravel retrieves a travel by ID
func (b *BoltDB) GetTravel(ctx context.Context, id string) (*Travel, error) {
	var travel *Travel
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		travel, err = getTravel(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return travel, nil
}

// ListTravels returns the owner's travels
func (b *BoltDB) ListTravels(ctx context.Context, ownerID string) ([]*Travel, error) {
	travels := make([]*Travel, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(travelsBucketName)).ForEach(func(k, v []byte) error {
			var travel Travel
			if err := json.Unmarshal(v, &travel); err != nil {
				return fmt.Errorf("unmarshaling travel: %w", err)
			}
			if travel.OwnerID == ownerID {
				travels = append(travels, &travel)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(travels, func(i, j int) bool {
		return travels[i].StartDate.After(travels[j].StartDate)
	})
	return travels, nil
}

// UpdateTravel applies mutate to a travel
func (b *BoltDB) UpdateTravel(ctx context.Context, id string, mutate func(*Travel) error) (*Travel, error) {
	var travel *Travel
	err := b.db.Update(func(tx *bbolt.Tx) error {
		t, err := getTravel(tx, id)
		if err != nil {
			return err
		}
		owner, total, created := t.OwnerID, t.TotalAmount, t.CreatedAt
		if err := mutate(t); err != nil {
			return err
		}
		t.ID, t.OwnerID, t.TotalAmount, t.CreatedAt = id, owner, total, created
		travel = t
		return putTravel(tx, t)
	})
	if err != nil {
		return nil, err
	}
	return travel, nil
}

// DeleteTravel removes a travel and its receipts
func (b *BoltDB) DeleteTravel(ctx context.Context, id string, check func(*Travel) error) ([]*Receipt, error) {
	var removed []*Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		travel, err := getTravel(tx, id)
		if err != nil {
			return err
		}
		if err := check(travel); err != nil {
			return err
		}

		removed, err = travelReceipts(tx, id)
		if err != nil {
			return err
		}
		receipts := tx.Bucket([]byte(receiptsBucketName))
		for _, r := range removed {
			if err := receipts.Delete([]byte(r.ID)); err != nil {
				return fmt.Errorf("deleting receipt %s: %w", r.ID, err)
			}
		}

		index := tx.Bucket([]byte(travelReceiptsBucketName))
		if index.Bucket([]byte(id)) != nil {
			if err := index.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("deleting receipt index: %w", err)
			}
		}
		return tx.Bucket([]byte(travelsBucketName)).Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// InsertReceipt saves a new receipt and recomputes its travel's total
func (b *BoltDB) InsertReceipt(ctx context.Context, receipt *Receipt) (int64, error) {
	var total int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		travel, err := getTravel(tx, receipt.TravelID)
		if err != nil {
			return err
		}
		if err := putReceipt(tx, receipt); err != nil {
			return err
		}
		index, err := tx.Bucket([]byte(travelReceiptsBucketName)).CreateBucketIfNotExists([]byte(travel.ID))
		if err != nil {
			return fmt.Errorf("creating receipt index: %w", err)
		}
		if err := index.Put([]byte(receipt.ID), []byte{}); err != nil {
			return fmt.Errorf("indexing receipt: %w", err)
		}

		total, err = recomputeTotal(tx, travel)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns a travel's receipts
func (b *BoltDB) ListReceipts(ctx context.Context, travelID string) ([]*Receipt, error) {
	var receipts []*Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		if _, err := getTravel(tx, travelID); err != nil {
			return err
		}
		var err error
		receipts, err = travelReceipts(tx, travelID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortReceipts(receipts)
	return receipts, nil
}

// UpdateReceipt applies mutate to a receipt and recomputes its travel's total
func (b *BoltDB) UpdateReceipt(ctx context.Context, id string, mutate func(*Travel, *Receipt) error) (*Receipt, int64, error) {
	var (
		receipt *Receipt
		total   int64
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		r, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		travel, err := getTravel(tx, r.TravelID)
		if err != nil {
			return err
		}
		if err := mutate(travel, r); err != nil {
			return err
		}
		r.ID, r.TravelID = id, travel.ID
		if err := putReceipt(tx, r); err != nil {
			return err
		}
		receipt = r

		total, err = recomputeTotal(tx, travel)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return receipt, total, nil
}

// SetReceiptDescription replaces a receipt's description
func (b *BoltDB) SetReceiptDescription(ctx context.Context, id string, description *string, updatedAt time.Time) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		r, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		r.Description = description
		r.UpdatedAt = updatedAt
		receipt = r
		return putReceipt(tx, r)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and recomputes its travel's total
func (b *BoltDB) DeleteReceipt(ctx context.Context, id string, check func(*Travel, *Receipt) error) (*Receipt, int64, error) {
	var (
		receipt *Receipt
		total   int64
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		r, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		travel, err := getTravel(tx, r.TravelID)
		if err != nil {
			return err
		}
		if err := check(travel, r); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(receiptsBucketName)).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting receipt: %w", err)
		}
		if index := tx.Bucket([]byte(travelReceiptsBucketName)).Bucket([]byte(travel.ID)); index != nil {
			if err := index.Delete([]byte(id)); err != nil {
				return fmt.Errorf("unindexing receipt: %w", err)
			}
		}
		receipt = r

		total, err = recomputeTotal(tx, travel)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return receipt, total, nil
}

// RecomputeTravelTotal sums a travel's receipts and stores the result
func (b *BoltDB) RecomputeTravelTotal(ctx context.Context, travelID string) (int64, error) {
	var total int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		travel, err := getTravel(tx, travelID)
		if err != nil {
			return err
		}
		total, err = recomputeTotal(tx, travel)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// recomputeTotal sums every receipt indexed under the travel and writes the
// travel back. It never adjusts the previous total incrementally.
func recomputeTotal(tx *bbolt.Tx, travel *Travel) (int64, error) {
	receipts, err := travelReceipts(tx, travel.ID)
	if err != nil {
		return 0, fmt.Errorf("recomputing total for travel %s: %w", travel.ID, err)
	}

	var total int64
	for _, r := range receipts {
		if r.Amount > 0 && total > math.MaxInt64-r.Amount {
			return 0, fmt.Errorf("%w: total for travel %s overflows", ErrInvalidInput, travel.ID)
		}
		total += r.Amount
	}
	travel.TotalAmount = total
	if err := putTravel(tx, travel); err != nil {
		return 0, err
	}
	return total, nil
}

func travelReceipts(tx *bbolt.Tx, travelID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	index := tx.Bucket([]byte(travelReceiptsBucketName)).Bucket([]byte(travelID))
	if index == nil {
		return receipts, nil
	}
	err := index.ForEach(func(k, _ []byte) error {
		r, err := getReceipt(tx, string(k))
		if err != nil {
			return fmt.Errorf("indexed receipt: %w", err)
		}
		receipts = append(receipts, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func getTravel(tx *bbolt.Tx, id string) (*Travel, error) {
	data := tx.Bucket([]byte(travelsBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrTravelNotFound, id)
	}
	var travel Travel
	if err := json.Unmarshal(data, &travel); err != nil {
		return nil, fmt.Errorf("unmarshaling travel: %w", err)
	}
	return &travel, nil
}

func putTravel(tx *bbolt.Tx, travel *Travel) error {
	data, err := json.Marshal(travel)
	if err != nil {
		return fmt.Errorf("marshaling travel: %w", err)
	}
	return tx.Bucket([]byte(travelsBucketName)).Put([]byte(travel.ID), data)
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(receiptsBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

func putReceipt(tx *bbolt.Tx, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return tx.Bucket([]byte(receiptsBucketName)).Put([]byte(receipt.ID), data)
}

func sortReceipts(receipts []*Receipt) {
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].PaidAt.After(receipts[j].PaidAt)
	})
}
