// Package events publishes pipeline outcomes to Amazon EventBridge so
// downstream consumers (notifications, analytics) can react without
// polling the record store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
)

const (
	Source                   = "photo-intake.pipeline"
	DetailTypeImageFinalized = "ImageFinalized"
)

// PutEventsAPI is the EventBridge call the Publisher makes.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// ImageFinalized is the event detail for a record reaching a terminal
// status.
type ImageFinalized struct {
	ImageID          string          `json:"imageId"`
	Key              string          `json:"key"`
	Status           store.Status    `json:"status"`
	RejectionReasons []store.Reason  `json:"rejectionReasons"`
	Analysis         *store.Analysis `json:"analysis,omitempty"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
}

// Publisher emits ImageFinalized events. It implements pipeline.Notifier.
type Publisher struct {
	client  PutEventsAPI
	busName string
}

// NewPublisher creates a Publisher. An empty busName targets the account's
// default bus.
func NewPublisher(client PutEventsAPI, busName string) *Publisher {
	return &Publisher{client: client, busName: busName}
}

// ImageFinalized publishes one event for img.
func (p *Publisher) ImageFinalized(ctx context.Context, img *store.Image) error {
	const op = "events.ImageFinalized"
	detail, err := json.Marshal(ImageFinalized{
		ImageID:          img.ID,
		Key:              img.Key,
		Status:           img.Status,
		RejectionReasons: img.RejectionReasons,
		Analysis:         img.Analysis,
		ProcessedAt:      img.ProcessedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal ImageFinalized: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(DetailTypeImageFinalized),
		Detail:     aws.String(string(detail)),
		Resources:  []string{img.ID},
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("imageId", img.ID).Msg("EventBridge PutEvents failed")
		return apperr.Classify(op, fmt.Errorf("PutEvents: %w", err))
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("imageId", img.ID).
					Msg("EventBridge PutEvents entry failed")
				return apperr.New(apperr.KindExternalService, op, "PutEvents entry %d failed: %s - %s",
					i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
		return apperr.New(apperr.KindExternalService, op, "PutEvents reported %d failed entries", result.FailedEntryCount)
	}

	log.Debug().Str("imageId", img.ID).Str("status", string(img.Status)).Msg("ImageFinalized emitted to EventBridge")
	return nil
}
