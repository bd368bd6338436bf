// Package dynamodb archives consensus statuses to a DynamoDB table that
// backs public status pages.
package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/events"
	"go.uber.org/zap"
)

// PutItemAPI is the part of the DynamoDB client the archiver uses.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type Recorder interface {
	RecordArchive(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordArchive(bool) {}

// NewClient creates a DynamoDB client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

type Archiver struct {
	client    PutItemAPI
	tableName string
	recorder  Recorder
	logger    *zap.Logger
	timeout   time.Duration
}

func NewArchiver(client PutItemAPI, tableName string, recorder Recorder, logger *zap.Logger) *Archiver {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Archiver{
		client:    client,
		tableName: tableName,
		recorder:  recorder,
		logger:    logger,
		timeout:   10 * time.Second,
	}
}

// Handle is an events.Handler for StatusUpdated events. Run it behind
// events.Async.
func (a *Archiver) Handle(event events.Event) {
	if event.Type != events.StatusUpdated || event.Status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	err := a.Store(ctx, event.Status)
	a.recorder.RecordArchive(err == nil)
	if err != nil {
		a.logger.Error("Failed to archive status",
			zap.String("site_id", event.SiteID),
			zap.Error(err),
		)
	}
}

// Store writes the status as the site's current item.
func (a *Archiver) Store(ctx context.Context, status *core.ConsensusStatus) error {
	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tableName),
		Item:      statusItem(status),
	})
	if err != nil {
		return fmt.Errorf("failed to store status of site %s: %w", status.SiteID, err)
	}
	return nil
}

func statusItem(status *core.ConsensusStatus) map[string]types.AttributeValue {
	state := "down"
	if status.IsUp {
		state = "up"
	}
	item := map[string]types.AttributeValue{
		"siteId": &types.AttributeValueMemberS{
			Value: status.SiteID,
		},
		"status": &types.AttributeValueMemberS{
			Value: state,
		},
		"isUp": &types.AttributeValueMemberBOOL{
			Value: status.IsUp,
		},
		"workers": &types.AttributeValueMemberN{
			Value: strconv.Itoa(status.ContributingWorkerCount),
		},
		"lastChecked": &types.AttributeValueMemberS{
			Value: status.CheckedAt.UTC().Format(time.RFC3339),
		},
	}
	if status.OverallUptime != nil {
		item["uptimePercent"] = &types.AttributeValueMemberN{
			Value: fmt.Sprintf("%.2f", *status.OverallUptime),
		}
	}
	if status.AvgResponseTimeMs != nil {
		item["responseTimeMs"] = &types.AttributeValueMemberN{
			Value: strconv.FormatInt(*status.AvgResponseTimeMs, 10),
		}
	}
	if status.SSLDaysUntilExpiry != nil {
		item["sslDaysUntilExpiry"] = &types.AttributeValueMemberN{
			Value: strconv.Itoa(*status.SSLDaysUntilExpiry),
		}
	}
	return item
}
