package dialect

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the backend.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is one record. The table's key schema is PK (hash) and SK (range),
// both strings:
//
//	PK = <kind>#<table>[#<owner>]   SK = r#<id>
//
// Tag is regenerated on every write and drives the conditional replace.
type dynamoItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Data  []byte `dynamodbav:"Data,omitempty"`
	Tag   string `dynamodbav:"Tag,omitempty"`
	Value int64  `dynamodbav:"Value,omitempty"`
}

const dynamoSortPrefix = "r#"

type dynamoRecordStore struct {
	client  DynamoDBAPI
	table   string
	breaker *CircuitBreaker
	logger  Logger
}

// NewDynamoDBBackend creates a document backend over one DynamoDB table whose key
// schema is PK (hash) and SK (range), both strings.
func NewDynamoDBBackend(client DynamoDBAPI, table string, retry RetryConfig, logger Logger, metrics Metrics) *DocumentBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	store := &dynamoRecordStore{
		client:  client,
		table:   table,
		breaker: observedBreaker(BackendDynamoDB, logger, metrics),
		logger:  logger,
	}
	return newDocumentBackend(BackendDynamoDB, store, retry, logger)
}

func dynamoPartition(kind recordKind, table, group string) string {
	pk := kind.String() + "#" + table
	if kind == rowRecord && group != "" {
		pk += "#" + pathSegment(group)
	}
	return pk
}

func dynamoKey(ref recordRef) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: dynamoPartition(ref.Kind, ref.Table, ref.Group)},
		"SK": &types.AttributeValueMemberS{Value: dynamoSortPrefix + ref.ID},
	}
}

func (s *dynamoRecordStore) location(ref recordRef) string {
	loc := s.table + " PK=" + dynamoPartition(ref.Kind, ref.Table, ref.Group)
	if ref.ID != "" {
		loc += " SK=" + dynamoSortPrefix + ref.ID
	}
	return loc
}

func (s *dynamoRecordStore) connect(ctx context.Context) (recordConn, error) {
	return newJournalConn(&dynamoOps{store: s}, s.logger), nil
}

func (s *dynamoRecordStore) close() error { return nil }

func conditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

// call runs fn through the breaker. A failed condition is an answer, not a
// failure of the service.
func (s *dynamoRecordStore) call(ctx context.Context, fn func() error) (failedCondition bool, err error) {
	err = s.breaker.Execute(ctx, func() error {
		err := fn()
		if conditionFailed(err) {
			failedCondition = true
			return nil
		}
		return err
	})
	return failedCondition, err
}

// dynamoOps implements recordOps with single-item conditional writes.
type dynamoOps struct {
	store *dynamoRecordStore
}

func (o *dynamoOps) get(ctx context.Context, ref recordRef) (*storedRecord, error) {
	var out *dynamodb.GetItemOutput
	if _, err := o.store.call(ctx, func() error {
		var err error
		out, err = o.store.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(o.store.table),
			Key:            dynamoKey(ref),
			ConsistentRead: aws.Bool(true),
		})
		return err
	}); err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"item": ref.String(), "reason": err.Error()})
	}
	return &storedRecord{Ref: ref, Data: item.Data, Tag: item.Tag}, nil
}

func (o *dynamoOps) item(ref recordRef, data []byte) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(dynamoItem{
		PK:   dynamoPartition(ref.Kind, ref.Table, ref.Group),
		SK:   dynamoSortPrefix + ref.ID,
		Data: data,
		Tag:  NewID(),
	})
}

func (o *dynamoOps) write(ctx context.Context, ref recordRef, data []byte, condition string, values map[string]types.AttributeValue) (bool, error) {
	av, err := o.item(ref, data)
	if err != nil {
		return false, err
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(o.store.table),
		Item:      av,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
		input.ExpressionAttributeValues = values
	}
	failed, err := o.store.call(ctx, func() error {
		_, err := o.store.client.PutItem(ctx, input)
		return err
	})
	return !failed && err == nil, err
}

func (o *dynamoOps) create(ctx context.Context, ref recordRef, data []byte) (bool, error) {
	return o.write(ctx, ref, data, "attribute_not_exists(PK)", nil)
}

func (o *dynamoOps) replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error) {
	return o.write(ctx, prev.Ref, data, "Tag = :tag", map[string]types.AttributeValue{
		":tag": &types.AttributeValueMemberS{Value: prev.Tag},
	})
}

func (o *dynamoOps) put(ctx context.Context, ref recordRef, data []byte) error {
	_, err := o.write(ctx, ref, data, "", nil)
	return err
}

func (o *dynamoOps) remove(ctx context.Context, ref recordRef) (bool, error) {
	var out *dynamodb.DeleteItemOutput
	_, err := o.store.call(ctx, func() error {
		var err error
		out, err = o.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(o.store.table),
			Key:          dynamoKey(ref),
			ReturnValues: types.ReturnValueAllOld,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return len(out.Attributes) > 0, nil
}

func (o *dynamoOps) scan(ctx context.Context, kind recordKind, table, group string) ([]*storedRecord, error) {
	var pages []map[string]types.AttributeValue
	if kind == rowRecord && group == "" {
		// Rows of every owner live in separate partitions.
		p := dynamodb.NewScanPaginator(o.store.client, &dynamodb.ScanInput{
			TableName:        aws.String(o.store.table),
			FilterExpression: aws.String("begins_with(PK, :pk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: dynamoPartition(kind, table, "") + "#"},
			},
			ConsistentRead: aws.Bool(true),
		})
		for p.HasMorePages() {
			var out *dynamodb.ScanOutput
			if _, err := o.store.call(ctx, func() error {
				var err error
				out, err = p.NextPage(ctx)
				return err
			}); err != nil {
				return nil, err
			}
			pages = append(pages, out.Items...)
		}
	} else {
		p := dynamodb.NewQueryPaginator(o.store.client, &dynamodb.QueryInput{
			TableName:              aws.String(o.store.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: dynamoPartition(kind, table, group)},
			},
			ConsistentRead: aws.Bool(true),
		})
		for p.HasMorePages() {
			var out *dynamodb.QueryOutput
			if _, err := o.store.call(ctx, func() error {
				var err error
				out, err = p.NextPage(ctx)
				return err
			}); err != nil {
				return nil, err
			}
			pages = append(pages, out.Items...)
		}
	}

	records := make([]*storedRecord, 0, len(pages))
	for _, av := range pages {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{"partition": item.PK, "reason": err.Error()})
		}
		ref, ok := dynamoRef(kind, table, item)
		if !ok {
			o.store.logger.Warn("skipping malformed dynamodb item", "pk", item.PK, "sk", item.SK)
			continue
		}
		records = append(records, &storedRecord{Ref: ref, Data: item.Data, Tag: item.Tag})
	}
	return records, nil
}

// dynamoRef recovers the ref of a scanned item.
func dynamoRef(kind recordKind, table string, item dynamoItem) (recordRef, bool) {
	id, ok := strings.CutPrefix(item.SK, dynamoSortPrefix)
	if !ok {
		return recordRef{}, false
	}
	ref := recordRef{Kind: kind, Table: table, ID: id}
	if kind == rowRecord {
		seg, ok := strings.CutPrefix(item.PK, dynamoPartition(kind, table, "")+"#")
		if !ok {
			return recordRef{}, false
		}
		group, err := parsePathSegment(seg)
		if err != nil {
			return recordRef{}, false
		}
		ref.Group = group
	}
	return ref, true
}

// next advances the counter with one UpdateItem: the attribute starts at
// initial-increment so the first allocation returns initial.
func (o *dynamoOps) next(ctx context.Context, ref recordRef, initial, increment int64) (int64, error) {
	var out *dynamodb.UpdateItemOutput
	if _, err := o.store.call(ctx, func() error {
		var err error
		out, err = o.store.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(o.store.table),
			Key:                      dynamoKey(ref),
			UpdateExpression:         aws.String("SET #v = if_not_exists(#v, :start) + :inc"),
			ExpressionAttributeNames: map[string]string{"#v": "Value"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":start": &types.AttributeValueMemberN{Value: strconv.FormatInt(initial-increment, 10)},
				":inc":   &types.AttributeValueMemberN{Value: strconv.FormatInt(increment, 10)},
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		return err
	}); err != nil {
		return 0, err
	}

	var value int64
	if err := attributevalue.Unmarshal(out.Attributes["Value"], &value); err != nil {
		return 0, WithContext(ErrInvalidData, map[string]interface{}{"counter": ref.String(), "reason": err.Error()})
	}
	return value, nil
}
