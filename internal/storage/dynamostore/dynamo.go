// Package dynamostore keeps pastes in a DynamoDB table keyed by id.
package dynamostore

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"pastebin-lite/internal/storage"
)

const (
	consumeCondition = "attribute_exists(id)" +
		" AND (attribute_not_exists(expires_at) OR expires_at >= :now)" +
		" AND (attribute_not_exists(max_views) OR view_count < max_views)"
)

// Options configures the DynamoDB backend.
type Options struct {
	Table    string
	Region   string
	Endpoint string
	Timeout  time.Duration
	// ReclaimGrace is added to expires_at to fill the table's TTL attribute.
	ReclaimGrace time.Duration
	// CreateTable creates the table on Open when it does not exist yet.
	CreateTable bool
}

// API is the subset of the DynamoDB client the store calls.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store implements storage.Store using DynamoDB.
type Store struct {
	client API
	opts   Options
}

// Open loads the default AWS configuration and builds a client for opts.Table.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb table name required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	s := New(client, opts)
	if opts.CreateTable {
		if err := s.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing client.
func New(client API, opts Options) *Store {
	return &Store{client: client, opts: opts}
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)})
	if err == nil {
		return nil
	}
	var missing *types.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return classify(err, "describe table")
	}
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.opts.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return classify(err, "create table")
	}
	return nil
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (s *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := paste.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.opts.Table),
		Item:                pasteToItem(paste, s.opts.ReclaimGrace),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return "", storage.ErrConflict
		}
		return "", classify(err, "put paste")
	}
	return paste.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.Table),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err, "get paste")
	}
	if result.Item == nil {
		return nil, storage.ErrNotFound
	}
	return itemToPaste(result.Item)
}

// noRetry limits a call to one attempt. A consume whose response was lost may
// already have been applied, so the SDK must not send it again.
func noRetry(o *dynamodb.Options) {
	o.RetryMaxAttempts = 1
}

// ConsumeView increments view_count under a condition that re-checks both
// limits, so DynamoDB rejects the write once the paste is unavailable.
func (s *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.opts.Table),
		Key:                 keyOf(id),
		UpdateExpression:    aws.String("SET view_count = view_count + :one"),
		ConditionExpression: aws.String(consumeCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	}, noRetry)
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(err, "consume view")
	}
	return itemToPaste(result.Attributes)
}

// DeleteExpired scans for expired items and deletes each one under a
// condition, so a concurrent write can never lose a live paste.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	cutoff := &types.AttributeValueMemberN{Value: strconv.FormatInt(before.UnixMilli(), 10)}
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.opts.Table),
		FilterExpression:          aws.String("expires_at < :before"),
		ProjectionExpression:      aws.String("id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":before": cutoff},
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, classify(err, "scan expired")
		}
		for _, item := range page.Items {
			idAttr, ok := item["id"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.opts.Table),
				Key:                       keyOf(idAttr.Value),
				ConditionExpression:       aws.String("expires_at < :before"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":before": cutoff},
			})
			if err != nil {
				var failed *types.ConditionalCheckFailedException
				if errors.As(err, &failed) {
					continue
				}
				return removed, classify(err, "delete expired")
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)})
	if err != nil {
		return storage.Unavailable(errors.Wrap(err, "describe table"))
	}
	return nil
}

// Close is a no-op for DynamoDB.
func (s *Store) Close() error {
	return nil
}

func pasteToItem(p *storage.Paste, grace time.Duration) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: p.ID},
		"content":    &types.AttributeValueMemberS{Value: p.Content},
		"created_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(p.CreatedAt.UnixMilli(), 10)},
		"view_count": &types.AttributeValueMemberN{Value: strconv.Itoa(p.ViewCount)},
	}
	if p.TTLSeconds != nil {
		item["ttl_seconds"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*p.TTLSeconds)}
	}
	if p.MaxViews != nil {
		item["max_views"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*p.MaxViews)}
	}
	// ttl is the table's TTL attribute and is in epoch seconds.
	if p.ExpiresAt != nil {
		item["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10)}
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ExpiresAt.Add(grace).Unix(), 10)}
	}
	return item
}

func itemToPaste(item map[string]types.AttributeValue) (*storage.Paste, error) {
	p := &storage.Paste{}

	id, ok := item["id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("dynamodb item missing id")
	}
	p.ID = id.Value
	if v, ok := item["content"].(*types.AttributeValueMemberS); ok {
		p.Content = v.Value
	}

	created, err := numberAttr(item, "created_at")
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, errors.Errorf("dynamodb item %s missing created_at", p.ID)
	}
	p.CreatedAt = time.UnixMilli(*created).UTC()

	count, err := numberAttr(item, "view_count")
	if err != nil {
		return nil, err
	}
	if count != nil {
		p.ViewCount = int(*count)
	}

	if v, err := numberAttr(item, "ttl_seconds"); err != nil {
		return nil, err
	} else if v != nil {
		n := int(*v)
		p.TTLSeconds = &n
	}
	if v, err := numberAttr(item, "max_views"); err != nil {
		return nil, err
	} else if v != nil {
		n := int(*v)
		p.MaxViews = &n
	}
	if v, err := numberAttr(item, "expires_at"); err != nil {
		return nil, err
	} else if v != nil {
		at := time.UnixMilli(*v).UTC()
		p.ExpiresAt = &at
	}
	return p, nil
}

func numberAttr(item map[string]types.AttributeValue, name string) (*int64, error) {
	raw, ok := item[name]
	if !ok {
		return nil, nil
	}
	n, ok := raw.(*types.AttributeValueMemberN)
	if !ok {
		return nil, errors.Errorf("attribute %s is not a number", name)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return &v, nil
}

func classify(err error, msg string) error {
	var missing *types.ResourceNotFoundException
	if errors.As(err, &missing) {
		return storage.Unavailable(errors.Wrap(err, msg))
	}
	return storage.Classify(err, msg)
}
