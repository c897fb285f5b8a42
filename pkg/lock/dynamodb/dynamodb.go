// Package dynamodb implements lock.Store on an Amazon DynamoDB table.
//
// Each lock is one item with a string partition key. Ownership checks are
// condition expressions evaluated by DynamoDB, so every operation is a single
// atomic request. A failed condition is reported as false, not as an error.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	// DefaultTable is the name of the lock table.
	DefaultTable = "dlock"

	// DefaultTableWait bounds how long EnsureTable waits for a new table.
	DefaultTableWait = 5 * time.Minute

	attrKey     = "pk"
	attrToken   = "token"
	attrExpires = "expires_at"
)

var (
	// ErrMissingRegion is returned when no region is configured.
	ErrMissingRegion = errors.New("dynamodb region is required")

	// ErrMissingTable is returned when no table name is configured.
	ErrMissingTable = errors.New("dynamodb table is required")

	// ErrPartialCredentials is returned when only one of the static keys is set.
	ErrPartialCredentials = errors.New("both access key and secret key must be provided together")
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to restore it.
// This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config configures the DynamoDB client.
type Config struct {
	Region string
	Table  string

	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Region == "" {
		return ErrMissingRegion
	}

	if c.Table == "" {
		return ErrMissingTable
	}

	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return ErrPartialCredentials
	}

	return nil
}

// Store implements lock.Store on DynamoDB.
type Store struct {
	client API
	table  string
}

// New loads the AWS configuration and returns a Store talking to DynamoDB.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}

	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading the AWS configuration: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	zerolog.Ctx(ctx).
		Info().
		Str("region", cfg.Region).
		Str("table", cfg.Table).
		Str("endpoint", cfg.Endpoint).
		Msg("using DynamoDB lock store")

	return NewWithClient(client, cfg.Table), nil
}

// NewWithClient returns a Store using an existing client.
func NewWithClient(client API, table string) *Store {
	if table == "" {
		table = DefaultTable
	}

	return &Store{client: client, table: table}
}

// EnsureTable creates the lock table when it does not exist and waits for it
// to become active.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("error describing the table %q: %w", s.table, err)
	}

	zerolog.Ctx(ctx).Info().Str("table", s.table).Msg("creating the DynamoDB lock table")

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})

	// Another process may have created it concurrently.
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("error creating the table %q: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, DefaultTableWait); err != nil {
		return fmt.Errorf("error waiting for the table %q: %w", s.table, err)
	}

	return nil
}

// TryCreate implements lock.Store.
func (s *Store) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := timeNow()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrKey:     &types.AttributeValueMemberS{Value: key},
			attrToken:   &types.AttributeValueMemberS{Value: value},
			attrExpires: millis(now.Add(ttl)),
		},
		ConditionExpression:      aws.String("attribute_not_exists(#pk) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{"#pk": attrKey, "#exp": attrExpires},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
	})

	return conditional(err)
}

// Get implements lock.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, err
	}

	if out == nil || out.Item == nil {
		return "", false, nil
	}

	token, ok := out.Item[attrToken].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, nil
	}

	exp, ok := out.Item[attrExpires].(*types.AttributeValueMemberN)
	if !ok {
		return "", false, nil
	}

	expiresAt, err := strconv.ParseInt(exp.Value, 10, 64)
	if err != nil {
		return "", false, fmt.Errorf("error parsing %s of %q: %w", attrExpires, key, err)
	}

	if expiresAt <= timeNow().UnixMilli() {
		return "", false, nil
	}

	return token.Value, true, nil
}

// CompareDelete implements lock.Store.
func (s *Store) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(key),
		ConditionExpression:       aws.String("#token = :token AND #exp > :now"),
		ExpressionAttributeNames:  ownerNames(),
		ExpressionAttributeValues: ownerValues(expected, timeNow()),
	})

	return conditional(err)
}

// CompareExtend implements lock.Store.
func (s *Store) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	now := timeNow()

	values := ownerValues(expected, now)
	values[":exp"] = millis(now.Add(ttl))

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(key),
		UpdateExpression:          aws.String("SET #exp = :exp"),
		ConditionExpression:       aws.String("#token = :token AND #exp > :now"),
		ExpressionAttributeNames:  ownerNames(),
		ExpressionAttributeValues: values,
	})

	return conditional(err)
}

// conditional maps a failed condition expression to (false, nil).
func conditional(err error) (bool, error) {
	if err == nil {
		return true, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}

	return false, err
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}}
}

func ownerNames() map[string]string {
	return map[string]string{"#token": attrToken, "#exp": attrExpires}
}

func ownerValues(token string, now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":token": &types.AttributeValueMemberS{Value: token},
		":now":   millis(now),
	}
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}
