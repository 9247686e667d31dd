package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const deleteBatchSize = 25

var errUnprocessedDeletes = errors.New("UNPROCESSED_DELETES")

type TrimSummary struct {
	RunID      string
	Partitions int
	Kept       int
	Deleted    int
	Failed     int
}

// startTrimLoop runs the ranking sweep on a fixed schedule. Only the leader
// instance starts it; the trim subcommand covers externally scheduled runs.
func startTrimLoop(store scoreStore, kv kvStore, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		for range ticker.C {
			summary := runTrimSweep(context.Background(), store, kv)
			log.Printf("trim run=%s done: partitions=%d kept=%d deleted=%d failed=%d",
				summary.RunID, summary.Partitions, summary.Kept, summary.Deleted, summary.Failed)
		}
	}()
}

// runTrimSweep enforces the bounded top-N invariant on every partition and
// republishes each partition's admission threshold. A failing partition is
// logged and skipped; it never blocks the others.
func runTrimSweep(ctx context.Context, store scoreStore, kv kvStore) TrimSummary {
	summary := TrimSummary{RunID: uuid.NewString()}

	partitions, err := store.ListPartitions(ctx)
	if err != nil {
		log.Printf("trim run=%s list partitions failed: %v", summary.RunID, err)
		summary.Failed++
		return summary
	}
	summary.Partitions = len(partitions)

	for _, p := range partitions {
		kept, deleted, err := trimPartition(ctx, store, kv, p)
		if err != nil {
			log.Printf("trim run=%s partition g=%s p=%s failed: %v", summary.RunID, p.GameID, p.Period, err)
			summary.Failed++
			continue
		}
		summary.Kept += kept
		summary.Deleted += deleted
	}
	return summary
}

// trimPartition runs the read-all → sort → delete-excess → publish-threshold
// sequence for one partition as a unit. The trim is authoritative: a failed
// cache publish is logged and swallowed, the next sweep is the retry.
func trimPartition(ctx context.Context, store scoreStore, kv kvStore, p Partition) (kept int, deleted int, err error) {
	records, err := store.QueryPartition(ctx, p.GameID, p.Period)
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 0, 0, nil
	}

	cfg := lookupGameConfig(p.GameID)
	cmp := comparatorFor(p.GameID, cfg)
	sort.Slice(records, func(i, j int) bool { return cmp.Less(records[i], records[j]) })

	topN := topNFor(cfg)
	top := records
	if len(top) > topN {
		top = top[:topN]
	}

	var excess []string
	for _, rec := range records[len(top):] {
		excess = append(excess, rec.UserID)
	}
	if len(excess) > 0 {
		if err := batchDeleteAll(ctx, store, p, excess); err != nil {
			return 0, 0, err
		}
	}

	bottom := top[len(top)-1]
	order := defaultSortRules()
	if cfg != nil && len(cfg.Sort) > 0 {
		order = cfg.Sort
	}
	entry := buildThreshold(order, bottom, topN, time.Now().UTC().Format(isoMillis))
	if err := publishThreshold(ctx, kv, p, entry); err != nil {
		log.Printf("trim threshold publish failed g=%s p=%s: %v", p.GameID, p.Period, err)
	}

	return len(top), len(excess), nil
}

// batchDeleteAll deletes in bounded chunks, retrying only the unprocessed
// subset the store reports, with capped exponential backoff.
func batchDeleteAll(ctx context.Context, store scoreStore, p Partition, userIDs []string) error {
	for i := 0; i < len(userIDs); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		pending := userIDs[i:end]

		attempt := func() error {
			unprocessed, err := store.DeleteScores(ctx, p.GameID, p.Period, pending)
			if err != nil {
				return err
			}
			if len(unprocessed) > 0 {
				pending = unprocessed
				return errUnprocessedDeletes
			}
			return nil
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.MaxInterval = 3 * time.Second
		policy.MaxElapsedTime = 10 * time.Second
		if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
			return err
		}
	}
	return nil
}

func publishThreshold(ctx context.Context, kv kvStore, p Partition, entry ThresholdEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return kv.Put(ctx, thresholdKey(p.GameID, p.Period), string(raw))
}
