package db

import (
	"log"
	"sort"
	"time"

	"gorm.io/gorm"
)

// runRollupOnce aggregates experiment results for the given hour
// (bucketStart to bucketStart+1h) into ResultBucket rows. Buckets are
// overwritten wholesale from the ledger, never incremented, so a
// re-run over the same hour always converges to the same values.
// Call with bucketStart = time in UTC truncated to hour.
func runRollupOnce(db *gorm.DB, bucketStart time.Time) error {
	bucketEnd := bucketStart.Add(time.Hour)

	var results []ExperimentResult
	if err := db.Where("timestamp >= ? AND timestamp < ?", bucketStart, bucketEnd).
		Select("test_id", "version", "success", "duration_seconds").
		Find(&results).Error; err != nil {
		return err
	}

	// Group by (test_id, version); collect success and duration for percentiles.
	type key struct {
		TestID  string
		Version int
	}
	groups := make(map[key][]struct {
		success bool
		dur     float64
	})
	for _, r := range results {
		k := key{TestID: r.TestID, Version: r.Version}
		groups[k] = append(groups[k], struct {
			success bool
			dur     float64
		}{r.Success, r.DurationSeconds})
	}

	for k, list := range groups {
		total := int64(len(list))
		var successCount int64
		durations := make([]float64, 0, len(list))
		for _, p := range list {
			if p.success {
				successCount++
			}
			durations = append(durations, p.dur)
		}
		sort.Float64s(durations)
		p50 := 0.0
		p95 := 0.0
		p99 := 0.0
		if n := len(durations); n > 0 {
			p50 = durations[(n*50)/100]
			p95 = durations[(n*95)/100]
			p99 = durations[(n*99)/100]
		}

		row := ResultBucket{
			TestID:       k.TestID,
			Version:      k.Version,
			BucketStart:  bucketStart,
			TotalCount:   total,
			SuccessCount: successCount,
			DurationP50:  p50,
			DurationP95:  p95,
			DurationP99:  p99,
		}
		var existing ResultBucket
		err := db.Where("test_id = ? AND version = ? AND bucket_start = ?", k.TestID, k.Version, bucketStart).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			err = db.Create(&row).Error
		} else if err == nil {
			err = db.Model(&existing).Updates(map[string]interface{}{
				"total_count":   row.TotalCount,
				"success_count": row.SuccessCount,
				"duration_p50":  row.DurationP50,
				"duration_p95":  row.DurationP95,
				"duration_p99":  row.DurationP99,
			}).Error
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// StartRollupWorker runs the rollup for the previous full hour at
// startup, then every hour. Buckets are in UTC. The output feeds
// dashboards only; experiment decisions always re-aggregate the
// ledger directly.
func StartRollupWorker(db *gorm.DB) {
	go func() {
		// Catch up on the last 24 completed hours at startup.
		now := time.Now().UTC()
		for i := 1; i <= 24; i++ {
			bucketStart := now.Truncate(time.Hour).Add(-time.Duration(i) * time.Hour)
			if err := runRollupOnce(db, bucketStart); err != nil {
				log.Printf("rollup error (startup) for %s: %v", bucketStart.Format(time.RFC3339), err)
			}
		}

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for t := range ticker.C {
			bucketStart := t.UTC().Truncate(time.Hour).Add(-time.Hour)
			if err := runRollupOnce(db, bucketStart); err != nil {
				log.Printf("rollup error for %s: %v", bucketStart.Format(time.RFC3339), err)
			}
		}
	}()
}
