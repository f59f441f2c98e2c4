package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore implements the Store interface on a relational database through
// GORM. Receipt mutations lock the parent travel row first, so concurrent
// writers on one travel serialize and each recompute sees the latest rows.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens a GORM connection with the given dialector and migrates the schema
func NewSQLStore(dialector gorm.Dialector, opts ...gorm.Option) (*SQLStore, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&Travel{}, &Receipt{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// CreateTravel saves a new travel
func (s *SQLStore) CreateTravel(ctx context.Context, travel *Travel) error {
	if err := s.db.WithContext(ctx).Create(travel).Error; err != nil {
		return fmt.Errorf("inserting travel: %w", err)
	}
	return nil
}

// GetTravel retrieves a travel by ID
func (s *SQLStore) GetTravel(ctx context.Context, id string) (*Travel, error) {
	var travel Travel
	if err := s.db.WithContext(ctx).First(&travel, "id = ?", id).Error; err != nil {
		return nil, travelError(id, err)
	}
	return &travel, nil
}

// ListTravels returns the owner's travels
func (s *SQLStore) ListTravels(ctx context.Context, ownerID string) ([]*Travel, error) {
	travels := make([]*Travel, 0)
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("start_date DESC").
		Find(&travels).Error
	if err != nil {
		return nil, fmt.Errorf("listing travels: %w", err)
	}
	return travels, nil
}

// UpdateTravel applies mutate to a travel
func (s *SQLStore) UpdateTravel(ctx context.Context, id string, mutate func(*Travel) error) (*Travel, error) {
	var travel Travel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTravel(tx, id, &travel); err != nil {
			return err
		}
		owner, total, created := travel.OwnerID, travel.TotalAmount, travel.CreatedAt
		if err := mutate(&travel); err != nil {
			return err
		}
		travel.ID, travel.OwnerID, travel.TotalAmount, travel.CreatedAt = id, owner, total, created
		return tx.Save(&travel).Error
	})
	if err != nil {
		return nil, err
	}
	return &travel, nil
}

// DeleteTravel removes a travel and its receipts
func (s *SQLStore) DeleteTravel(ctx context.Context, id string, check func(*Travel) error) ([]*Receipt, error) {
	removed := make([]*Receipt, 0)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var travel Travel
		if err := lockTravel(tx, id, &travel); err != nil {
			return err
		}
		if err := check(&travel); err != nil {
			return err
		}
		if err := tx.Where("travel_id = ?", id).Find(&removed).Error; err != nil {
			return fmt.Errorf("loading receipts: %w", err)
		}
		if err := tx.Where("travel_id = ?", id).Delete(&Receipt{}).Error; err != nil {
			return fmt.Errorf("deleting receipts: %w", err)
		}
		return tx.Delete(&travel).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// InsertReceipt saves a new receipt and recomputes its travel's total
func (s *SQLStore) InsertReceipt(ctx context.Context, receipt *Receipt) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var travel Travel
		if err := lockTravel(tx, receipt.TravelID, &travel); err != nil {
			return err
		}
		if err := tx.Create(receipt).Error; err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}
		var err error
		total, err = recomputeTravelTotal(tx, travel.ID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetReceipt retrieves a receipt by ID
func (s *SQLStore) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var receipt Receipt
	if err := s.db.WithContext(ctx).First(&receipt, "id = ?", id).Error; err != nil {
		return nil, receiptError(id, err)
	}
	return &receipt, nil
}

// ListReceipts returns a travel's receipts
func (s *SQLStore) ListReceipts(ctx context.Context, travelID string) ([]*Receipt, error) {
	if _, err := s.GetTravel(ctx, travelID); err != nil {
		return nil, err
	}
	receipts := make([]*Receipt, 0)
	err := s.db.WithContext(ctx).
		Where("travel_id = ?", travelID).
		Order("paid_at DESC").
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt applies mutate to a receipt and recomputes its travel's total
func (s *SQLStore) UpdateReceipt(ctx context.Context, id string, mutate func(*Travel, *Receipt) error) (*Receipt, int64, error) {
	var (
		receipt Receipt
		total   int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		travel, err := lockReceiptTravel(tx, id, &receipt)
		if err != nil {
			return err
		}
		if err := mutate(travel, &receipt); err != nil {
			return err
		}
		receipt.ID, receipt.TravelID = id, travel.ID
		if err := tx.Save(&receipt).Error; err != nil {
			return fmt.Errorf("updating receipt: %w", err)
		}
		total, err = recomputeTravelTotal(tx, travel.ID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &receipt, total, nil
}

// SetReceiptDescription replaces a receipt's description
func (s *SQLStore) SetReceiptDescription(ctx context.Context, id string, description *string, updatedAt time.Time) (*Receipt, error) {
	var receipt Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&receipt, "id = ?", id).Error; err != nil {
			return receiptError(id, err)
		}
		receipt.Description = description
		receipt.UpdatedAt = updatedAt
		return tx.Model(&receipt).Updates(map[string]interface{}{
			"description": description,
			"updated_at":  updatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// DeleteReceipt removes a receipt and recomputes its travel's total
func (s *SQLStore) DeleteReceipt(ctx context.Context, id string, check func(*Travel, *Receipt) error) (*Receipt, int64, error) {
	var (
		receipt Receipt
		total   int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		travel, err := lockReceiptTravel(tx, id, &receipt)
		if err != nil {
			return err
		}
		if err := check(travel, &receipt); err != nil {
			return err
		}
		if err := tx.Delete(&Receipt{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("deleting receipt: %w", err)
		}
		total, err = recomputeTravelTotal(tx, travel.ID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &receipt, total, nil
}

// RecomputeTravelTotal sums a travel's receipts and stores the result
func (s *SQLStore) RecomputeTravelTotal(ctx context.Context, travelID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var travel Travel
		if err := lockTravel(tx, travelID, &travel); err != nil {
			return err
		}
		var err error
		total, err = recomputeTravelTotal(tx, travelID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockTravel loads a travel with SELECT ... FOR UPDATE. Drivers without row
// locks (SQLite) drop the clause and rely on their database-level write lock.
func lockTravel(tx *gorm.DB, id string, travel *Travel) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(travel, "id = ?", id).Error
	if err != nil {
		return travelError(id, err)
	}
	return nil
}

// lockReceiptTravel loads a receipt and locks its travel before re-reading the
// receipt, so the receipt row read is the one the lock protects
func lockReceiptTravel(tx *gorm.DB, id string, receipt *Receipt) (*Travel, error) {
	if err := tx.First(receipt, "id = ?", id).Error; err != nil {
		return nil, receiptError(id, err)
	}
	var travel Travel
	if err := lockTravel(tx, receipt.TravelID, &travel); err != nil {
		return nil, err
	}
	if err := tx.First(receipt, "id = ?", id).Error; err != nil {
		return nil, receiptError(id, err)
	}
	return &travel, nil
}

// recomputeTravelTotal is a single SUM over the travel's receipts, written
// back to travels.total_amount
func recomputeTravelTotal(tx *gorm.DB, travelID string) (int64, error) {
	var total int64
	err := tx.Model(&Receipt{}).
		Select("CAST(COALESCE(SUM(amount), 0) AS BIGINT)").
		Where("travel_id = ?", travelID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("summing receipts for travel %s: %w", travelID, err)
	}
	err = tx.Model(&Travel{}).
		Where("id = ?", travelID).
		Update("total_amount", total).Error
	if err != nil {
		return 0, fmt.Errorf("updating total for travel %s: %w", travelID, err)
	}
	return total, nil
}

func travelError(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrTravelNotFound, id)
	}
	return fmt.Errorf("loading travel %s: %w", id, err)
}

func receiptError(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}
	return fmt.Errorf("loading receipt %s: %w", id, err)
}
