package receipt

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newTestTravel(id, owner string) *Travel {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &Travel{
		ID:        id,
		OwnerID:   owner,
		Country:   "Japan",
		City:      "Osaka",
		Title:     "Spring in Osaka",
		StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestReceipt(id, travelID string, amount int64, paidAt time.Time) *Receipt {
	return &Receipt{
		ID:        id,
		TravelID:  travelID,
		StoreName: "Store " + id,
		Amount:    amount,
		PaidAt:    paidAt,
		CreatedAt: paidAt,
		UpdatedAt: paidAt,
	}
}

func travelTotal(store Store, travelID string) int64 {
	travel, err := store.GetTravel(context.Background(), travelID)
	Expect(err).NotTo(HaveOccurred())
	return travel.TotalAmount
}

// itMaintainsTravelTotals describes the behavior shared by every Store implementation
func itMaintainsTravelTotals(newStore func() Store) {
	var (
		store Store
		ctx   context.Context
		day   time.Time
	)

	BeforeEach(func() {
		store = newStore()
		ctx = context.Background()
		day = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
		Expect(store.CreateTravel(ctx, newTestTravel("travel-1", "user-1"))).To(Succeed())
	})

	Describe("InsertReceipt", func() {
		It("should recompute the total after each insert", func() {
			total, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(10)))

			total, err = store.InsertReceipt(ctx, newTestReceipt("r2", "travel-1", 20, day))
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(30)))

			Expect(travelTotal(store, "travel-1")).To(Equal(int64(30)))
		})

		It("should keep a zero-amount receipt without changing the total", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 0, day))
			Expect(err).NotTo(HaveOccurred())

			receipts, err := store.ListReceipts(ctx, "travel-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(travelTotal(store, "travel-1")).To(BeZero())
		})

		When("the travel does not exist", func() {
			It("should return ErrTravelNotFound and save nothing", func() {
				_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "missing", 10, day))
				Expect(err).To(MatchError(ErrTravelNotFound))

				_, err = store.GetReceipt(ctx, "r1")
				Expect(err).To(MatchError(ErrReceiptNotFound))
			})
		})

		When("receipts are inserted concurrently", func() {
			It("should count every receipt exactly once", func() {
				var wg sync.WaitGroup
				errs := make(chan error, 20)
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						_, err := store.InsertReceipt(ctx, newTestReceipt(fmt.Sprintf("r%02d", i), "travel-1", 5, day))
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)

				for err := range errs {
					Expect(err).NotTo(HaveOccurred())
				}
				Expect(travelTotal(store, "travel-1")).To(Equal(int64(100)))
			})
		})

		When("the total would overflow", func() {
			It("should refuse the receipt and keep the previous total", func() {
				_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", math.MaxInt64, day))
				Expect(err).NotTo(HaveOccurred())

				_, err = store.InsertReceipt(ctx, newTestReceipt("r2", "travel-1", 1, day))
				Expect(err).To(HaveOccurred())

				_, err = store.GetReceipt(ctx, "r2")
				Expect(err).To(MatchError(ErrReceiptNotFound))
				Expect(travelTotal(store, "travel-1")).To(Equal(int64(math.MaxInt64)))
			})
		})
	})

	Describe("UpdateReceipt", func() {
		BeforeEach(func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.InsertReceipt(ctx, newTestReceipt("r2", "travel-1", 20, day))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should recompute the total from the edited amount", func() {
			receipt, total, err := store.UpdateReceipt(ctx, "r2", func(_ *Travel, r *Receipt) error {
				r.Amount = 11
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Amount).To(Equal(int64(11)))
			Expect(total).To(Equal(int64(21)))
			Expect(travelTotal(store, "travel-1")).To(Equal(int64(21)))
		})

		It("should pass the owning travel to mutate", func() {
			var seen string
			_, _, err := store.UpdateReceipt(ctx, "r1", func(t *Travel, _ *Receipt) error {
				seen = t.OwnerID
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal("user-1"))
		})

		When("mutate refuses the change", func() {
			It("should leave the receipt and total untouched", func() {
				_, _, err := store.UpdateReceipt(ctx, "r2", func(_ *Travel, r *Receipt) error {
					r.Amount = 500
					return ErrNotOwner
				})
				Expect(err).To(MatchError(ErrNotOwner))

				receipt, err := store.GetReceipt(ctx, "r2")
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Amount).To(Equal(int64(20)))
				Expect(travelTotal(store, "travel-1")).To(Equal(int64(30)))
			})
		})

		When("the receipt does not exist", func() {
			It("should return ErrReceiptNotFound", func() {
				_, _, err := store.UpdateReceipt(ctx, "missing", func(*Travel, *Receipt) error { return nil })
				Expect(err).To(MatchError(ErrReceiptNotFound))
			})
		})

		When("an edit races new receipts", func() {
			It("should end with the total equal to the sum of the rows", func() {
				var wg sync.WaitGroup
				errs := make(chan error, 20)
				for i := 0; i < 10; i++ {
					wg.Add(2)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						_, err := store.InsertReceipt(ctx, newTestReceipt(fmt.Sprintf("n%02d", i), "travel-1", 7, day))
						errs <- err
					}(i)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						_, _, err := store.UpdateReceipt(ctx, "r2", func(_ *Travel, r *Receipt) error {
							r.Amount = int64(100 + i)
							return nil
						})
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)

				for err := range errs {
					Expect(err).NotTo(HaveOccurred())
				}

				receipts, err := store.ListReceipts(ctx, "travel-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(12))
				var sum int64
				for _, r := range receipts {
					sum += r.Amount
				}
				Expect(sum).To(BeNumerically(">=", 10+70+100))
				Expect(travelTotal(store, "travel-1")).To(Equal(sum))
			})
		})
	})

	Describe("SetReceiptDescription", func() {
		It("should change only the description", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())

			note := "team dinner"
			receipt, err := store.SetReceiptDescription(ctx, "r1", &note, day.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Description).To(HaveValue(Equal("team dinner")))

			saved, err := store.GetReceipt(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Description).To(HaveValue(Equal("team dinner")))
			Expect(saved.Amount).To(Equal(int64(10)))
			Expect(travelTotal(store, "travel-1")).To(Equal(int64(10)))
		})
	})

	Describe("DeleteReceipt", func() {
		BeforeEach(func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.InsertReceipt(ctx, newTestReceipt("r2", "travel-1", 20, day))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should remove the receipt and recompute the total", func() {
			receipt, total, err := store.DeleteReceipt(ctx, "r2", func(*Travel, *Receipt) error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.ID).To(Equal("r2"))
			Expect(total).To(Equal(int64(10)))

			_, err = store.GetReceipt(ctx, "r2")
			Expect(err).To(MatchError(ErrReceiptNotFound))
		})

		It("should bring the total back to zero when the last receipt goes", func() {
			for _, id := range []string{"r1", "r2"} {
				_, _, err := store.DeleteReceipt(ctx, id, func(*Travel, *Receipt) error { return nil })
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(travelTotal(store, "travel-1")).To(BeZero())
		})

		When("check refuses the delete", func() {
			It("should keep the receipt", func() {
				_, _, err := store.DeleteReceipt(ctx, "r2", func(*Travel, *Receipt) error { return ErrNotOwner })
				Expect(err).To(MatchError(ErrNotOwner))

				_, err = store.GetReceipt(ctx, "r2")
				Expect(err).NotTo(HaveOccurred())
				Expect(travelTotal(store, "travel-1")).To(Equal(int64(30)))
			})
		})
	})

	Describe("RecomputeTravelTotal", func() {
		It("should return the sum of the travel's receipts", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 7, day))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.InsertReceipt(ctx, newTestReceipt("r2", "travel-1", 8, day))
			Expect(err).NotTo(HaveOccurred())

			Expect(store.RecomputeTravelTotal(ctx, "travel-1")).To(Equal(int64(15)))
		})

		It("should return zero for a travel without receipts", func() {
			Expect(store.RecomputeTravelTotal(ctx, "travel-1")).To(BeZero())
		})

		It("should return ErrTravelNotFound for a missing travel", func() {
			_, err := store.RecomputeTravelTotal(ctx, "missing")
			Expect(err).To(MatchError(ErrTravelNotFound))
		})
	})

	Describe("ListReceipts", func() {
		It("should list the latest payment first", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("early", "travel-1", 1, day))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.InsertReceipt(ctx, newTestReceipt("late", "travel-1", 2, day.Add(48*time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			receipts, err := store.ListReceipts(ctx, "travel-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0].ID).To(Equal("late"))
			Expect(receipts[1].ID).To(Equal("early"))
		})

		It("should return an empty list for a travel without receipts", func() {
			receipts, err := store.ListReceipts(ctx, "travel-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).NotTo(BeNil())
			Expect(receipts).To(BeEmpty())
		})

		It("should return ErrTravelNotFound for a missing travel", func() {
			_, err := store.ListReceipts(ctx, "missing")
			Expect(err).To(MatchError(ErrTravelNotFound))
		})
	})

	Describe("travels", func() {
		It("should list only the owner's travels", func() {
			Expect(store.CreateTravel(ctx, newTestTravel("travel-2", "user-2"))).To(Succeed())

			travels, err := store.ListTravels(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(travels).To(HaveLen(1))
			Expect(travels[0].ID).To(Equal("travel-1"))
		})

		It("should keep owner and total when a travel is edited", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())

			travel, err := store.UpdateTravel(ctx, "travel-1", func(t *Travel) error {
				t.Title = "Osaka again"
				t.OwnerID = "someone-else"
				t.TotalAmount = 9999
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(travel.Title).To(Equal("Osaka again"))
			Expect(travel.OwnerID).To(Equal("user-1"))
			Expect(travel.TotalAmount).To(Equal(int64(10)))
			Expect(travelTotal(store, "travel-1")).To(Equal(int64(10)))
		})

		It("should delete a travel with its receipts", func() {
			_, err := store.InsertReceipt(ctx, newTestReceipt("r1", "travel-1", 10, day))
			Expect(err).NotTo(HaveOccurred())

			removed, err := store.DeleteTravel(ctx, "travel-1", func(*Travel) error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(HaveLen(1))

			_, err = store.GetTravel(ctx, "travel-1")
			Expect(err).To(MatchError(ErrTravelNotFound))
			_, err = store.GetReceipt(ctx, "r1")
			Expect(err).To(MatchError(ErrReceiptNotFound))
		})

		It("should keep the travel when check refuses the delete", func() {
			_, err := store.DeleteTravel(ctx, "travel-1", func(*Travel) error { return ErrNotOwner })
			Expect(err).To(MatchError(ErrNotOwner))

			_, err = store.GetTravel(ctx, "travel-1")
			Expect(err).NotTo(HaveOccurred())
		})
	})
}
