package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

type shift struct {
	weekday    int
	start, end schedule.Clock
}

func clock(h, m int) schedule.Clock { return schedule.Clock(h*60 + m) }

// split weekday shifts plus a Saturday morning; Sunday stays closed
var weeklyShifts = func() []shift {
	var out []shift
	for wd := 1; wd <= 5; wd++ {
		out = append(out,
			shift{wd, clock(9, 0), clock(14, 0)},
			shift{wd, clock(16, 0), clock(20, 0)},
		)
	}
	return append(out, shift{6, clock(9, 0), clock(13, 0)})
}()

var treatments = []struct {
	name    string
	minutes int
	cents   int64
}{
	{"Initial consultation", 30, 50000},
	{"Follow-up", 20, 35000},
	{"Facial cleansing", 60, 90000},
	{"Chemical peel", 45, 120000},
	{"Laser session", 40, 150000},
	{"Acne treatment", 30, 80000},
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	providers := getInt("SEED_PROVIDERS", 5)
	patients := getInt("SEED_PATIENTS", 2000)

	if err := seedProviders(context.Background(), pool, faker, providers); err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedPatients(context.Background(), pool, faker, patients); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

// seedProviders creates each provider with its weekly blocks and services
// in one transaction.
func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	log.Printf("seeding %d providers", count)

	for i := 0; i < count; i++ {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		repo := schedule.NewPgRepository(tx)

		p, err := repo.CreateProvider(ctx, "Dr. "+faker.Name())
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		for _, s := range weeklyShifts {
			if _, err := repo.CreateBlock(ctx, schedule.Block{
				ProviderID: p.ID,
				Weekday:    s.weekday,
				Start:      s.start,
				End:        s.end,
			}); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		offered := faker.Number(2, 4)
		first := faker.Number(0, len(treatments)-1)
		for k := 0; k < offered; k++ {
			t := treatments[(first+k)%len(treatments)]
			svc, err := repo.CreateService(ctx, schedule.Service{
				ProviderID:      p.ID,
				Name:            t.name,
				DurationMinutes: t.minutes,
				PriceCents:      t.cents,
			})
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
			log.Printf("provider=%s service=%s name=%q minutes=%d", p.ID, svc.ID, svc.Name, svc.DurationMinutes)
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Println("providers seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			// the index keeps emails unique across a large run
			email := strconv.Itoa(i) + "." + faker.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, active, created_at, updated_at)
				VALUES ($1, $2, $3, true, now(), now())
				ON CONFLICT (email) DO NOTHING
			`, uuid.New(), faker.Name(), email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
