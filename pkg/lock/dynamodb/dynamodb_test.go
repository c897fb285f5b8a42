package dynamodb_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	dlockdynamodb "github.com/kalbasit/dlock/pkg/lock/dynamodb"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) PutItem(
	ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.PutItemOutput), args.Error(1)
}

func (m *mockClient) GetItem(
	ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *mockClient) DeleteItem(
	ctx context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.DeleteItemOutput), args.Error(1)
}

func (m *mockClient) UpdateItem(
	ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.UpdateItemOutput), args.Error(1)
}

func (m *mockClient) CreateTable(
	ctx context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options),
) (*dynamodb.CreateTableOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.CreateTableOutput), args.Error(1)
}

func (m *mockClient) DescribeTable(
	ctx context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options),
) (*dynamodb.DescribeTableOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*dynamodb.DescribeTableOutput), args.Error(1)
}

var errThrottled = errors.New("throttled")

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func strAttr(item map[string]types.AttributeValue, name string) string {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}

	return v.Value
}

func numAttr(item map[string]types.AttributeValue, name string) int64 {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}

	n, _ := strconv.ParseInt(v.Value, 10, 64)

	return n
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     dlockdynamodb.Config
		wantErr error
	}{
		{"valid", dlockdynamodb.Config{Region: "us-east-1", Table: "locks"}, nil},
		{"static credentials", dlockdynamodb.Config{Region: "us-east-1", Table: "locks", AccessKeyID: "a", SecretAccessKey: "b"}, nil},
		{"missing region", dlockdynamodb.Config{Table: "locks"}, dlockdynamodb.ErrMissingRegion},
		{"missing table", dlockdynamodb.Config{Region: "us-east-1"}, dlockdynamodb.ErrMissingTable},
		{"partial credentials", dlockdynamodb.Config{Region: "us-east-1", Table: "locks", AccessKeyID: "a"}, dlockdynamodb.ErrPartialCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

//nolint:paralleltest
func TestStore_TryCreate(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	t.Cleanup(dlockdynamodb.SetTimeNow(func() time.Time { return now }))

	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		client := &mockClient{}
		s := dlockdynamodb.NewWithClient(client, "locks")

		client.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
			return aws.ToString(in.TableName) == "locks" &&
				strAttr(in.Item, "pk") == "dlock:k" &&
				strAttr(in.Item, "token") == "owner" &&
				numAttr(in.Item, "expires_at") == now.Add(30*time.Second).UnixMilli() &&
				numAttr(in.ExpressionAttributeValues, ":now") == now.UnixMilli() &&
				aws.ToString(in.ConditionExpression) == "attribute_not_exists(#pk) OR #exp <= :now"
		})).Return(&dynamodb.PutItemOutput{}, nil).Once()

		ok, err := s.TryCreate(ctx, "dlock:k", "owner", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		client.AssertExpectations(t)
	})

	t.Run("held", func(t *testing.T) {
		client := &mockClient{}
		s := dlockdynamodb.NewWithClient(client, "locks")

		client.On("PutItem", ctx, mock.Anything).Return(nil, conditionFailed()).Once()

		ok, err := s.TryCreate(ctx, "dlock:k", "other", 30*time.Second)
		require.NoError(t, err, "a live lock is not an error")
		assert.False(t, ok)
	})

	t.Run("store error", func(t *testing.T) {
		client := &mockClient{}
		s := dlockdynamodb.NewWithClient(client, "locks")

		client.On("PutItem", ctx, mock.Anything).Return(nil, errThrottled).Once()

		ok, err := s.TryCreate(ctx, "dlock:k", "other", 30*time.Second)
		require.ErrorIs(t, err, errThrottled)
		assert.False(t, ok)
	})
}

//nolint:paralleltest
func TestStore_Get(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	t.Cleanup(dlockdynamodb.SetTimeNow(func() time.Time { return now }))

	ctx := context.Background()

	item := func(expiresAt time.Time) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: "dlock:k"},
			"token":      &types.AttributeValueMemberS{Value: "owner"},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.UnixMilli(), 10)},
		}
	}

	consistent := mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return aws.ToBool(in.ConsistentRead) && strAttr(in.Key, "pk") == "dlock:k"
	})

	t.Run("live", func(t *testing.T) {
		client := &mockClient{}
		client.On("GetItem", ctx, consistent).Return(&dynamodb.GetItemOutput{Item: item(now.Add(time.Second))}, nil)

		v, found, err := dlockdynamodb.NewWithClient(client, "locks").Get(ctx, "dlock:k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "owner", v)
	})

	t.Run("expired", func(t *testing.T) {
		client := &mockClient{}
		client.On("GetItem", ctx, consistent).Return(&dynamodb.GetItemOutput{Item: item(now)}, nil)

		_, found, err := dlockdynamodb.NewWithClient(client, "locks").Get(ctx, "dlock:k")
		require.NoError(t, err)
		assert.False(t, found, "an item at its expiry is absent")
	})

	t.Run("missing", func(t *testing.T) {
		client := &mockClient{}
		client.On("GetItem", ctx, consistent).Return(&dynamodb.GetItemOutput{}, nil)

		_, found, err := dlockdynamodb.NewWithClient(client, "locks").Get(ctx, "dlock:k")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("error", func(t *testing.T) {
		client := &mockClient{}
		client.On("GetItem", ctx, consistent).Return(nil, errThrottled)

		_, _, err := dlockdynamodb.NewWithClient(client, "locks").Get(ctx, "dlock:k")
		require.ErrorIs(t, err, errThrottled)
	})
}

//nolint:paralleltest
func TestStore_CompareDelete(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	t.Cleanup(dlockdynamodb.SetTimeNow(func() time.Time { return now }))

	ctx := context.Background()
	client := &mockClient{}
	s := dlockdynamodb.NewWithClient(client, "locks")

	owner := mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		return strAttr(in.ExpressionAttributeValues, ":token") == "owner" &&
			numAttr(in.ExpressionAttributeValues, ":now") == now.UnixMilli()
	})
	other := mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		return strAttr(in.ExpressionAttributeValues, ":token") == "other"
	})

	client.On("DeleteItem", ctx, owner).Return(&dynamodb.DeleteItemOutput{}, nil).Once()
	client.On("DeleteItem", ctx, other).Return(nil, conditionFailed()).Once()

	ok, err := s.CompareDelete(ctx, "dlock:k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareDelete(ctx, "dlock:k", "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	client.AssertExpectations(t)
}

//nolint:paralleltest
func TestStore_CompareExtend(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	t.Cleanup(dlockdynamodb.SetTimeNow(func() time.Time { return now }))

	ctx := context.Background()
	client := &mockClient{}
	s := dlockdynamodb.NewWithClient(client, "locks")

	client.On("UpdateItem", ctx, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return aws.ToString(in.UpdateExpression) == "SET #exp = :exp" &&
			strAttr(in.ExpressionAttributeValues, ":token") == "owner" &&
			numAttr(in.ExpressionAttributeValues, ":exp") == now.Add(time.Minute).UnixMilli()
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

	client.On("UpdateItem", ctx, mock.Anything).Return(nil, conditionFailed()).Once()

	ok, err := s.CompareExtend(ctx, "dlock:k", "owner", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareExtend(ctx, "dlock:k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	client.AssertExpectations(t)
}

func TestStore_EnsureTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	describe := mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "locks"
	})

	t.Run("exists", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{}
		client.On("DescribeTable", ctx, describe).Return(&dynamodb.DescribeTableOutput{}, nil).Once()

		require.NoError(t, dlockdynamodb.NewWithClient(client, "locks").EnsureTable(ctx))
		client.AssertNotCalled(t, "CreateTable", mock.Anything, mock.Anything)
	})

	t.Run("created", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{}
		client.On("DescribeTable", ctx, describe).
			Return(nil, &types.ResourceNotFoundException{Message: aws.String("not found")}).Once()
		client.On("CreateTable", ctx, mock.MatchedBy(func(in *dynamodb.CreateTableInput) bool {
			return aws.ToString(in.TableName) == "locks" &&
				len(in.KeySchema) == 1 &&
				aws.ToString(in.KeySchema[0].AttributeName) == "pk" &&
				in.BillingMode == types.BillingModePayPerRequest
		})).Return(&dynamodb.CreateTableOutput{}, nil).Once()
		client.On("DescribeTable", mock.Anything, describe).Return(&dynamodb.DescribeTableOutput{
			Table: &types.TableDescription{TableStatus: types.TableStatusActive},
		}, nil).Once()

		require.NoError(t, dlockdynamodb.NewWithClient(client, "locks").EnsureTable(ctx))
		client.AssertExpectations(t)
	})

	t.Run("describe error", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{}
		client.On("DescribeTable", ctx, describe).Return(nil, errThrottled).Once()

		err := dlockdynamodb.NewWithClient(client, "locks").EnsureTable(ctx)
		require.ErrorIs(t, err, errThrottled)
	})
}

func TestNewWithClient_DefaultTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &mockClient{}

	client.On("DescribeTable", ctx, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == dlockdynamodb.DefaultTable
	})).Return(&dynamodb.DescribeTableOutput{}, nil).Once()

	require.NoError(t, dlockdynamodb.NewWithClient(client, "").EnsureTable(ctx))
	client.AssertExpectations(t)
}
