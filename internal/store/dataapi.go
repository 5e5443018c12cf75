package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	rdsdatatypes "github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/rs/zerolog/log"
)

// DataAPIExecutor is the subset of the RDS Data API client used here.
type DataAPIExecutor interface {
	ExecuteStatement(ctx context.Context, in *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
}

// DataAPIStore implements RecordStore on Aurora PostgreSQL through the RDS
// Data API, so Lambda functions need no VPC or connection pool.
type DataAPIStore struct {
	client     DataAPIExecutor
	clusterARN string
	secretARN  string
	database   string
	now        func() time.Time
}

var _ RecordStore = (*DataAPIStore)(nil)

// NewDataAPIStore creates a store against the given cluster and database.
func NewDataAPIStore(client DataAPIExecutor, clusterARN, secretARN, database string) *DataAPIStore {
	return &DataAPIStore{
		client:     client,
		clusterARN: clusterARN,
		secretARN:  secretARN,
		database:   database,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// named binds arguments to ":name" placeholders as typed Data API fields.
type named struct{ params []rdsdatatypes.SqlParameter }

func (n *named) bind(name string, v any) string {
	var field rdsdatatypes.Field
	switch x := v.(type) {
	case nil:
		field = &rdsdatatypes.FieldMemberIsNull{Value: true}
	case string:
		field = &rdsdatatypes.FieldMemberStringValue{Value: x}
	case int:
		field = &rdsdatatypes.FieldMemberLongValue{Value: int64(x)}
	case int64:
		field = &rdsdatatypes.FieldMemberLongValue{Value: x}
	case float64:
		field = &rdsdatatypes.FieldMemberDoubleValue{Value: x}
	case bool:
		field = &rdsdatatypes.FieldMemberBooleanValue{Value: x}
	default:
		field = &rdsdatatypes.FieldMemberStringValue{Value: fmt.Sprint(x)}
	}
	n.params = append(n.params, rdsdatatypes.SqlParameter{Name: aws.String(name), Value: field})
	return ":" + name
}

func (s *DataAPIStore) exec(ctx context.Context, sql string, params []rdsdatatypes.SqlParameter, records bool) (*rdsdata.ExecuteStatementOutput, error) {
	in := &rdsdata.ExecuteStatementInput{
		ResourceArn: aws.String(s.clusterARN),
		SecretArn:   aws.String(s.secretARN),
		Database:    aws.String(s.database),
		Sql:         aws.String(sql),
		Parameters:  params,
	}
	if records {
		in.FormatRecordsAs = rdsdatatypes.RecordsFormatTypeJson
	}
	return s.client.ExecuteStatement(ctx, in)
}

func (s *DataAPIStore) queryImages(ctx context.Context, sql string, params []rdsdatatypes.SqlParameter) ([]*Image, error) {
	out, err := s.exec(ctx, sql, params, true)
	if err != nil {
		return nil, err
	}
	if out.FormattedRecords == nil || *out.FormattedRecords == "" {
		return nil, nil
	}
	var rows []imageRow
	if err := json.Unmarshal([]byte(*out.FormattedRecords), &rows); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	images := make([]*Image, 0, len(rows))
	for i := range rows {
		img, err := rows[i].toImage()
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// Migrate applies PostgresSchema statement by statement.
func (s *DataAPIStore) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(PostgresSchema) {
		if _, err := s.exec(ctx, stmt, nil, false); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *DataAPIStore) Create(ctx context.Context, img *Image) error {
	now := s.now()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now

	n := &named{}
	q := insertSQL(n, img)
	if _, err := s.exec(ctx, q, n.params, false); err != nil {
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}
	log.Debug().Str("imageId", img.ID).Str("key", img.Key).Msg("Image record created via Data API")
	return nil
}

func (s *DataAPIStore) findOne(ctx context.Context, column, value string) (*Image, error) {
	n := &named{}
	q := "SELECT " + imageColumns + " FROM images WHERE " + column + " = " + n.bind("v", value)
	images, err := s.queryImages(ctx, q, n.params)
	if err != nil {
		return nil, fmt.Errorf("select image %s=%s: %w", column, value, err)
	}
	if len(images) == 0 {
		return nil, nil
	}
	return images[0], nil
}

func (s *DataAPIStore) FindByID(ctx context.Context, id string) (*Image, error) {
	return s.findOne(ctx, "id", id)
}

func (s *DataAPIStore) FindByKey(ctx context.Context, key string) (*Image, error) {
	return s.findOne(ctx, "storage_key", key)
}

func (s *DataAPIStore) List(ctx context.Context, filter ListFilter) ([]*Image, error) {
	n := &named{}
	q := listSQL(n, filter)
	images, err := s.queryImages(ctx, q, n.params)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func (s *DataAPIStore) Transition(ctx context.Context, id string, from []Status, change Change) (bool, error) {
	if err := checkTransition(from, change); err != nil {
		return false, err
	}
	n := &named{}
	q := transitionSQL(n, id, from, change, s.now())
	out, err := s.exec(ctx, q, n.params, false)
	if err != nil {
		return false, fmt.Errorf("transition image %s -> %s: %w", id, change.To, err)
	}
	return out.NumberOfRecordsUpdated == 1, nil
}

func (s *DataAPIStore) RecordVerificationAttempts(ctx context.Context, id string, count int, at time.Time) error {
	if count <= 0 {
		return nil
	}
	n := &named{}
	q := attemptsSQL(n, id, count, at, s.now())
	if _, err := s.exec(ctx, q, n.params, false); err != nil {
		return fmt.Errorf("record attempts image %s: %w", id, err)
	}
	return nil
}

func (s *DataAPIStore) AcceptedHashes(ctx context.Context) ([]string, error) {
	n := &named{}
	q := "SELECT phash FROM images WHERE status = " + n.bind("status", string(StatusAccepted)) +
		" AND phash IS NOT NULL AND phash <> ''"
	out, err := s.exec(ctx, q, n.params, true)
	if err != nil {
		return nil, fmt.Errorf("select accepted hashes: %w", err)
	}
	if out.FormattedRecords == nil {
		return nil, nil
	}
	var rows []struct {
		PHash string `json:"phash"`
	}
	if err := json.Unmarshal([]byte(*out.FormattedRecords), &rows); err != nil {
		return nil, fmt.Errorf("decode hashes: %w", err)
	}
	hashes := make([]string, 0, len(rows))
	for _, r := range rows {
		hashes = append(hashes, r.PHash)
	}
	return hashes, nil
}

func (s *DataAPIStore) Ping(ctx context.Context) error {
	if _, err := s.exec(ctx, "SELECT 1", nil, false); err != nil {
		return fmt.Errorf("data api ping: %w", err)
	}
	return nil
}
