package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/blocklist"
	"ipguard/internal/config"
)

const feedRefreshLockKey = "ipguard:leader:blocklist_feeds"

func FeedRefreshTask(importer *blocklist.FeedImporter, report func(blocklist.FeedOutcome)) PeriodicTask {
	return PeriodicTask{
		Name:       "blocklist_feeds",
		LockKey:    feedRefreshLockKey,
		Interval:   config.GetFeedRefreshInterval,
		Timeout:    5 * time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			outcome, err := importer.Refresh(ctx)
			if report != nil {
				report(outcome)
			}
			if errors.Is(err, blocklist.ErrNoFeedSources) {
				log.Debug("Block list feed refresh skipped: no sources configured")
				return nil
			}
			if err != nil {
				return err
			}
			log.Info("Block list feed refresh completed",
				"sources", outcome.Sources,
				"failed", outcome.Failed,
				"new_ips", outcome.NewIPs,
				"skipped", outcome.Skipped,
			)
			return nil
		},
	}
}

func StartFeedRefreshRoutine(ctx context.Context, importer *blocklist.FeedImporter) {
	task := FeedRefreshTask(importer, nil)
	task.Updates = config.FeedRefreshIntervalUpdates()
	StartPeriodic(ctx, task)
}

// RunFeedRefresh imports the feeds now. ran is false when an import was
// already in progress.
func RunFeedRefresh(ctx context.Context, importer *blocklist.FeedImporter) (outcome blocklist.FeedOutcome, ran bool, err error) {
	task := FeedRefreshTask(importer, func(o blocklist.FeedOutcome) { outcome = o })
	ran, err = ExecuteOnce(ctx, task, "manual")
	return outcome, ran, err
}
