package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key and index names. Image records live in a single table with
// PK = IMAGE#{id} and SK = META. Two global secondary indexes (projection
// ALL) serve the non-primary lookups.
const (
	pkPrefix      = "IMAGE#"
	skMeta        = "META"
	keyIndexName  = "storageKey-index" // hash: storageKey
	statusIndex   = "status-index"     // hash: status, range: createdAt
	statusAttr    = "#status"
	conditionFrom = ":from"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore implements RecordStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ RecordStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- Internal helpers ---

func imagePK(id string) string {
	return pkPrefix + id
}

func (s *DynamoStore) itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: imagePK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// statusValues binds each status to a placeholder (prefix0, prefix1, ...)
// and returns the placeholder list for an IN (...) clause.
func statusValues(prefix string, statuses []Status, values map[string]types.AttributeValue) string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = prefix + strconv.Itoa(i)
		values[names[i]] = &types.AttributeValueMemberS{Value: string(st)}
	}
	return strings.Join(names, ", ")
}

// queryAll runs a paginated query and returns every item.
func (s *DynamoStore) queryAll(ctx context.Context, input *dynamodb.QueryInput, max int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query index=%s: %w", aws.ToString(input.IndexName), err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil || (max > 0 && len(items) >= max) {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return items, nil
}

func unmarshalImages(items []map[string]types.AttributeValue) ([]*Image, error) {
	out := make([]*Image, 0, len(items))
	for _, item := range items {
		var img Image
		if err := attributevalue.UnmarshalMap(item, &img); err != nil {
			return nil, fmt.Errorf("unmarshal image: %w", err)
		}
		out = append(out, &img)
	}
	return out, nil
}

// --- RecordStore ---

func (s *DynamoStore) Create(ctx context.Context, img *Image) error {
	now := s.now()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now

	item, err := attributevalue.MarshalMap(img)
	if err != nil {
		return fmt.Errorf("marshal image %s: %w", img.ID, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: imagePK(img.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("create image %s: already exists", img.ID)
		}
		return fmt.Errorf("PutItem PK=%s: %w", imagePK(img.ID), err)
	}

	log.Debug().Str("imageId", img.ID).Str("key", img.Key).Msg("Image record created in DynamoDB")
	return nil
}

func (s *DynamoStore) FindByID(ctx context.Context, id string) (*Image, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s: %w", imagePK(id), err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var img Image
	if err := attributevalue.UnmarshalMap(result.Item, &img); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s: %w", imagePK(id), err)
	}
	return &img, nil
}

func (s *DynamoStore) FindByKey(ctx context.Context, key string) (*Image, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(keyIndexName),
		KeyConditionExpression: aws.String("storageKey = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key},
		},
		Limit: aws.Int32(1),
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("find image by key %s: %w", key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	images, err := unmarshalImages(items)
	if err != nil {
		return nil, err
	}
	return images[0], nil
}

func (s *DynamoStore) List(ctx context.Context, filter ListFilter) ([]*Image, error) {
	limit := filter.limit()
	if filter.Status != "" {
		items, err := s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:                &s.tableName,
			IndexName:                aws.String(statusIndex),
			KeyConditionExpression:   aws.String("#status = :status"),
			ExpressionAttributeNames: map[string]string{statusAttr: "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(filter.Status)},
			},
			ScanIndexForward: aws.Bool(false),
		}, limit)
		if err != nil {
			return nil, fmt.Errorf("list images status=%s: %w", filter.Status, err)
		}
		return unmarshalImages(items)
	}

	input := &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("SK = :meta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta": &types.AttributeValueMemberS{Value: skMeta},
		},
	}
	var items []map[string]types.AttributeValue
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Scan %s: %w", s.tableName, err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	images, err := unmarshalImages(items)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(images, func(a, b *Image) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

// Transition performs the conditional UpdateItem. A failed condition check
// means the record is missing or no longer in one of the from statuses.
func (s *DynamoStore) Transition(ctx context.Context, id string, from []Status, change Change) (bool, error) {
	if err := checkTransition(from, change); err != nil {
		return false, err
	}

	values := map[string]types.AttributeValue{
		":to":  &types.AttributeValueMemberS{Value: string(change.To)},
		":now": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
	}
	sets := []string{"#status = :to", "updatedAt = :now"}

	if change.Reasons != nil {
		av, err := attributevalue.Marshal(change.Reasons)
		if err != nil {
			return false, fmt.Errorf("marshal reasons: %w", err)
		}
		values[":reasons"] = av
		sets = append(sets, "rejectionReasons = :reasons")
	}
	if change.Analysis != nil {
		av, err := attributevalue.Marshal(change.Analysis)
		if err != nil {
			return false, fmt.Errorf("marshal analysis: %w", err)
		}
		values[":analysis"] = av
		sets = append(sets, "analysis = :analysis")
	}
	if change.UploadCompletedAt != nil {
		values[":uploaded"] = &types.AttributeValueMemberS{Value: change.UploadCompletedAt.UTC().Format(time.RFC3339Nano)}
		sets = append(sets, "uploadCompletedAt = :uploaded")
	}
	if change.ProcessedAt != nil {
		values[":processed"] = &types.AttributeValueMemberS{Value: change.ProcessedAt.UTC().Format(time.RFC3339Nano)}
		sets = append(sets, "processedAt = :processed")
	}

	in := statusValues(conditionFrom, from, values)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.itemKey(id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("#status IN (" + in + ")"),
		ExpressionAttributeNames:  map[string]string{statusAttr: "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			log.Debug().Str("imageId", id).Str("to", string(change.To)).Msg("Conditional transition lost")
			return false, nil
		}
		return false, fmt.Errorf("UpdateItem PK=%s %v -> %s: %w", imagePK(id), from, change.To, err)
	}

	log.Debug().Str("imageId", id).Str("to", string(change.To)).Msg("Image transitioned in DynamoDB")
	return true, nil
}

func (s *DynamoStore) RecordVerificationAttempts(ctx context.Context, id string, n int, at time.Time) error {
	if n <= 0 {
		return nil
	}
	values := map[string]types.AttributeValue{
		":zero": &types.AttributeValueMemberN{Value: "0"},
		":n":    &types.AttributeValueMemberN{Value: strconv.Itoa(n)},
		":at":   &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		":now":  &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
	}
	terminal := statusValues(":t", []Status{StatusAccepted, StatusRejected, StatusUploadFailed}, values)

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key:       s.itemKey(id),
		UpdateExpression: aws.String(
			"SET verificationAttempts = if_not_exists(verificationAttempts, :zero) + :n, " +
				"lastVerificationAt = :at, updatedAt = :now"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND NOT (#status IN (" + terminal + "))"),
		ExpressionAttributeNames:  map[string]string{statusAttr: "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("UpdateItem attempts PK=%s: %w", imagePK(id), err)
	}
	return nil
}

func (s *DynamoStore) AcceptedHashes(ctx context.Context) ([]string, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                &s.tableName,
		IndexName:                aws.String(statusIndex),
		KeyConditionExpression:   aws.String("#status = :accepted"),
		ProjectionExpression:     aws.String("#analysis.#phash"),
		ExpressionAttributeNames: map[string]string{statusAttr: "status", "#analysis": "analysis", "#phash": "phash"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":accepted": &types.AttributeValueMemberS{Value: string(StatusAccepted)},
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("accepted hashes: %w", err)
	}

	hashes := make([]string, 0, len(items))
	for _, item := range items {
		var row struct {
			Analysis *Analysis `dynamodbav:"analysis"`
		}
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, fmt.Errorf("unmarshal accepted hash: %w", err)
		}
		if row.Analysis != nil && row.Analysis.PHash != "" {
			hashes = append(hashes, row.Analysis.PHash)
		}
	}
	return hashes, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.tableName})
	if err != nil {
		return fmt.Errorf("DescribeTable %s: %w", s.tableName, err)
	}
	return nil
}
