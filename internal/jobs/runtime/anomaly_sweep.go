package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/anomaly"
	"ipguard/internal/config"
)

const anomalySweepLockKey = "ipguard:leader:anomaly_sweep"

// AnomalySweepTask wraps a detector as a periodic task. report, when not
// nil, receives the report of every completed sweep.
func AnomalySweepTask(detector *anomaly.Detector, report func(anomaly.Report)) PeriodicTask {
	return PeriodicTask{
		Name:     "anomaly_sweep",
		LockKey:  anomalySweepLockKey,
		Interval: config.GetAnomalySweepInterval,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			result, err := detector.Sweep(ctx, time.Now().UTC())
			if report != nil {
				report(result)
			}
			if err != nil {
				return err
			}
			log.Info(result.String(), "scanned", result.Scanned, "created", result.Created)
			return nil
		},
	}
}

func StartAnomalySweepRoutine(ctx context.Context, detector *anomaly.Detector) {
	task := AnomalySweepTask(detector, nil)
	task.Updates = config.AnomalySweepIntervalUpdates()
	StartPeriodic(ctx, task)
}

// RunAnomalySweep runs one sweep now. ran is false when another sweep was
// already in progress.
func RunAnomalySweep(ctx context.Context, detector *anomaly.Detector) (report anomaly.Report, ran bool, err error) {
	task := AnomalySweepTask(detector, func(r anomaly.Report) { report = r })
	ran, err = ExecuteOnce(ctx, task, "manual")
	return report, ran, err
}
