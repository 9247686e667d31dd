package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

const trimAdvisoryLockID int64 = 731529408

var trimLockConn *sql.Conn

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	log.Println("App environment:", env)

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := ensureSchema(db); err != nil {
		log.Fatal("Failed to ensure schema:", err)
	}

	kv := &pgKVStore{db: db}
	store := &pgScoreStore{db: db, pageSize: listPageSize()}
	cache := newRankingCache()

	ctx := context.Background()

	// "score-api trim" runs one sweep and exits, for external schedulers.
	if len(os.Args) > 1 && os.Args[1] == "trim" {
		summary := runTrimSweep(ctx, store, kv)
		log.Printf("trim run=%s done: partitions=%d kept=%d deleted=%d failed=%d",
			summary.RunID, summary.Partitions, summary.Kept, summary.Deleted, summary.Failed)
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	lockConn, acquired, err := acquireTrimLock(ctx, db)
	if err != nil {
		log.Fatal("Failed to acquire trim lock:", err)
	}
	if acquired {
		trimLockConn = lockConn
		log.Println("Trim lock acquired; this instance runs the ranking sweep")
		if err := seedSigningKeys(ctx, kv); err != nil {
			log.Fatal("Failed to seed signing keys:", err)
		}
		startTrimLoop(store, kv, trimInterval())
	} else {
		log.Println("Trim lock held by another instance; skipping sweep scheduling")
		if lockConn != nil {
			_ = lockConn.Close()
		}
	}

	ring, err := loadKeyring(ctx, kv)
	if err != nil {
		log.Fatal("Failed to load signing keys:", err)
	}
	if _, err := ring.SigningKey(); err != nil {
		log.Println("WARN: no current signing key in KV store; issuance will fail closed")
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/api/get-start/{gid}/{uid}", startSessionHandler(kv)).Methods("GET")
	r.HandleFunc("/api/get-end/{gid}/{period}/{uid}", endSessionHandler(db, kv)).Methods("GET", "POST")
	r.HandleFunc("/api/score/{gid}/{period}/{uid}",
		validateScoreSubmission(db, kv, putScoreHandler(store, cache))).Methods("POST")
	r.HandleFunc("/api/ranking/{gid}/{period}", rankingHandler(store, cache)).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{
			"content-type", "x-token-start", "x-token-end", "x-player",
			"x-score", "x-time-ms", "x-updated-at", "x-sig", "x-clear-sig",
		},
	}).Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	addr := "0.0.0.0:" + port
	log.Println("Listening on", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal("server failed:", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// acquireTrimLock takes a Postgres advisory lock so only one instance runs
// the scheduled sweep. The connection is held for the process lifetime.
func acquireTrimLock(ctx context.Context, db *sql.DB) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, trimAdvisoryLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

// seedSigningKeys publishes the env-provided keys into the KV store.
// Rotation is a redeploy: promote the old current to SIGNING_KEY_PREVIOUS
// and supply a fresh SIGNING_KEY_CURRENT.
func seedSigningKeys(ctx context.Context, kv kvStore) error {
	if cur := strings.TrimSpace(os.Getenv("SIGNING_KEY_CURRENT")); cur != "" {
		if err := kv.Put(ctx, kvKeyCurrent, cur); err != nil {
			return err
		}
		log.Println("Seeded current signing key")
	}
	if prev := strings.TrimSpace(os.Getenv("SIGNING_KEY_PREVIOUS")); prev != "" {
		if err := kv.Put(ctx, kvKeyPrevious, prev); err != nil {
			return err
		}
		log.Println("Seeded previous signing key")
	}
	return nil
}

func trimInterval() time.Duration {
	if raw := os.Getenv("TRIM_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return 10 * time.Minute
}

func listPageSize() int {
	if raw := os.Getenv("LIST_PAGE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return 200
}

func corsOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("CORS_ORIGINS"))
	if raw == "" {
		return []string{"*"}
	}
	return strings.Split(raw, ",")
}
