package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/npezzotti/go-fitsocial/internal/visibility"
)

var ErrRateLimited = errors.New("too many reports, try again later")

type Options struct {
	ReportRate  float64
	ReportBurst int
}

// Service owns blocklists and content reports.
type Service struct {
	repo     database.Repository
	broker   *stream.Broker
	limiters *limiterPool
	logger   *log.Logger
}

func NewService(repo database.Repository, broker *stream.Broker, logger *log.Logger, opts Options) *Service {
	return &Service{
		repo:     repo,
		broker:   broker,
		limiters: newLimiterPool(opts.ReportRate, opts.ReportBurst),
		logger:   logger,
	}
}

// BlockUser adds targetId to actorId's blocklist. Blocking someone twice
// is not an error.
func (s *Service) BlockUser(ctx context.Context, actorId, targetId string) error {
	if actorId == "" || targetId == "" {
		return fmt.Errorf("%w: block requires actor and target", chat.ErrInvalidParticipants)
	}
	if actorId == targetId {
		return fmt.Errorf("%w: %s cannot block themselves", chat.ErrInvalidParticipants, actorId)
	}

	created, err := s.repo.AddBlock(ctx, actorId, targetId)
	if err != nil {
		return chat.StoreError(err)
	}

	if created {
		s.logger.Printf("user %s blocked %s", actorId, targetId)
		s.broker.Publish(stream.BlocklistTopic(actorId))
	}

	return nil
}

// ReportContent stores a new report and returns its id. Repeated reports
// of the same target are kept as separate records.
func (s *Service) ReportContent(ctx context.Context, reporterId, targetId string, kind types.TargetKind, reason string) (string, error) {
	report := types.Report{
		Id:         uuid.NewString(),
		ReporterId: reporterId,
		TargetId:   targetId,
		TargetKind: kind,
		Reason:     strings.TrimSpace(reason),
	}
	if err := report.Validate(); err != nil {
		return "", err
	}

	if !s.limiters.Allow(reporterId) {
		return "", ErrRateLimited
	}

	stored, err := s.repo.CreateReport(ctx, report)
	if err != nil {
		return "", chat.StoreError(err)
	}

	s.logger.Printf("report %s filed by %s against %s %s", stored.Id, reporterId, kind, targetId)
	return stored.Id, nil
}

func (s *Service) Blocklist(ctx context.Context, userId string) ([]string, error) {
	ids, err := s.repo.ListBlocked(ctx, userId)
	if err != nil {
		return nil, chat.StoreError(err)
	}
	return ids, nil
}

// SubscribeBlocklist emits userId's blocklist on subscription and after
// every change.
func (s *Service) SubscribeBlocklist(userId string, emit func([]string), fail func(error)) (cancel func()) {
	return s.broker.Subscribe(stream.BlocklistTopic(userId), func(ctx context.Context) error {
		ids, err := s.repo.ListBlocked(ctx, userId)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = chat.StoreError(err)
			fail(err)
			return err
		}
		emit(ids)
		return nil
	})
}

// BlocklistSource adapts SubscribeBlocklist for visibility.Compose.
func (s *Service) BlocklistSource(userId string) visibility.Source[[]string] {
	return func(emit func([]string), fail func(error)) func() {
		return s.SubscribeBlocklist(userId, emit, fail)
	}
}
