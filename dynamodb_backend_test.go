package dialect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB keeps items in memory and understands the expressions the
// backend sends. Query and Scan return at most pageSize items per call.
type fakeDynamoDB struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	pages    int
	updates  []*dynamodb.UpdateItemInput
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func attrString(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func fakeKey(key map[string]types.AttributeValue) string {
	return attrString(key["PK"]) + "\x00" + attrString(key["SK"])
}

func keyOf(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[fakeKey(in.Key)]}, nil
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(in.Item)
	existing, ok := f.items[k]
	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_not_exists(PK)":
			if ok {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "Tag = :tag":
			if !ok || attrString(existing["Tag"]) != attrString(in.ExpressionAttributeValues[":tag"]) {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, fmt.Errorf("unexpected condition %q", *in.ConditionExpression)
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(in.Key)
	old := f.items[k]
	delete(f.items, k)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *in.UpdateExpression != "SET #v = if_not_exists(#v, :start) + :inc" {
		return nil, fmt.Errorf("unexpected update %q", *in.UpdateExpression)
	}
	f.updates = append(f.updates, in)

	number := func(av types.AttributeValue) int64 {
		n, _ := av.(*types.AttributeValueMemberN)
		if n == nil {
			return 0
		}
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	k := fakeKey(in.Key)
	item, ok := f.items[k]
	if !ok {
		item = keyOf(in.Key)
	}
	base := number(in.ExpressionAttributeValues[":start"])
	if current, ok := item["Value"]; ok {
		base = number(current)
	}
	value := &types.AttributeValueMemberN{Value: strconv.FormatInt(base+number(in.ExpressionAttributeValues[":inc"]), 10)}
	item["Value"] = value
	f.items[k] = item
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"Value": value}}, nil
}

// page returns the matching items after start in key order.
func (f *fakeDynamoDB) page(match func(pk string) bool, start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	f.pages++
	var keys []string
	for k, item := range f.items {
		if match(attrString(item["PK"])) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if start != nil {
		after := fakeKey(start)
		i := sort.SearchStrings(keys, after)
		if i < len(keys) && keys[i] == after {
			i++
		}
		keys = keys[i:]
	}

	var last map[string]types.AttributeValue
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		last = keyOf(f.items[keys[len(keys)-1]])
	}
	items := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		items = append(items, f.items[k])
	}
	return items, last
}

func (f *fakeDynamoDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *in.KeyConditionExpression != "PK = :pk" {
		return nil, fmt.Errorf("unexpected key condition %q", *in.KeyConditionExpression)
	}
	pk := attrString(in.ExpressionAttributeValues[":pk"])
	items, last := f.page(func(p string) bool { return p == pk }, in.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func (f *fakeDynamoDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *in.FilterExpression != "begins_with(PK, :pk)" {
		return nil, fmt.Errorf("unexpected filter %q", *in.FilterExpression)
	}
	prefix := attrString(in.ExpressionAttributeValues[":pk"])
	items, last := f.page(func(p string) bool { return len(p) >= len(prefix) && p[:len(prefix)] == prefix }, in.ExclusiveStartKey)
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func newTestDynamoOps(client DynamoDBAPI) *dynamoOps {
	logger := &NoOpLogger{}
	return &dynamoOps{store: &dynamoRecordStore{
		client:  client,
		table:   "dialect",
		breaker: observedBreaker(BackendDynamoDB, logger, &NoOpMetrics{}),
		logger:  logger,
	}}
}

func TestDynamoOps_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	ops := newTestDynamoOps(fake)
	ref := recordRef{Kind: entityRecord, Table: "orders", ID: "1"}

	created, err := ops.create(ctx, ref, []byte(`{"status":"open"}`))
	if err != nil || !created {
		t.Fatalf("first create = %v, %v; want true", created, err)
	}
	created, err = ops.create(ctx, ref, []byte(`{"status":"paid"}`))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Error("create should not overwrite an existing item")
	}

	rec, err := ops.get(ctx, ref)
	if err != nil || rec == nil {
		t.Fatalf("get = %v, %v", rec, err)
	}
	if string(rec.Data) != `{"status":"open"}` || rec.Tag == "" {
		t.Errorf("record = %s tag %q", rec.Data, rec.Tag)
	}
	if _, ok := fake.items["entities#orders\x00r#1"]; !ok {
		t.Errorf("unexpected item keys: %v", fake.items)
	}

	missing, err := ops.get(ctx, recordRef{Kind: entityRecord, Table: "orders", ID: "2"})
	if err != nil || missing != nil {
		t.Errorf("get of a missing item = %v, %v; want nil, nil", missing, err)
	}
}

func TestDynamoOps_StaleReplace(t *testing.T) {
	ctx := context.Background()
	ops := newTestDynamoOps(newFakeDynamoDB())
	ref := recordRef{Kind: entityRecord, Table: "orders", ID: "1"}
	if _, err := ops.create(ctx, ref, []byte("v1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	prev, _ := ops.get(ctx, ref)

	ok, err := ops.replace(ctx, prev, []byte("v2"))
	if err != nil || !ok {
		t.Fatalf("replace with the current tag = %v, %v; want true", ok, err)
	}
	ok, err = ops.replace(ctx, prev, []byte("v3"))
	if err != nil {
		t.Fatalf("stale replace failed: %v", err)
	}
	if ok {
		t.Error("replace with a stale tag should not apply")
	}
	if cur, _ := ops.get(ctx, ref); string(cur.Data) != "v2" {
		t.Errorf("data = %s, want v2", cur.Data)
	}

	cur, _ := ops.get(ctx, ref)
	removed, err := ops.remove(ctx, ref)
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v; want true", removed, err)
	}
	if removed, _ := ops.remove(ctx, ref); removed {
		t.Error("second remove should report nothing removed")
	}
	if ok, _ := ops.replace(ctx, cur, []byte("v4")); ok {
		t.Error("replace of a removed item should not apply")
	}
}

func TestDynamoOps_CounterStartsAtInitialValue(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	ops := newTestDynamoOps(fake)
	ref := recordRef{Kind: counterRecord, Table: "hibernate_sequences", ID: "order"}

	for _, want := range []int64{10, 15, 20} {
		got, err := ops.next(ctx, ref, 10, 5)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if got != want {
			t.Errorf("next = %d, want %d", got, want)
		}
	}
	start := fake.updates[0].ExpressionAttributeValues[":start"].(*types.AttributeValueMemberN)
	if start.Value != "5" {
		t.Errorf(":start = %s, want initial minus increment", start.Value)
	}
}

func TestDynamoOps_ScanPaginates(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	ops := newTestDynamoOps(fake)

	for i := 1; i <= 5; i++ {
		ref := recordRef{Kind: entityRecord, Table: "orders", ID: strconv.Itoa(i)}
		if _, err := ops.create(ctx, ref, []byte("{}")); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	for _, row := range []recordRef{
		{Kind: rowRecord, Table: "order_tags", Group: "1", ID: "a"},
		{Kind: rowRecord, Table: "order_tags", Group: "1", ID: "b"},
		{Kind: rowRecord, Table: "order_tags", Group: "2", ID: "a"},
	} {
		if err := ops.put(ctx, row, []byte("{}")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	fake.pages = 0
	records, err := ops.scan(ctx, entityRecord, "orders", "")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("scan returned %d records, want 5", len(records))
	}
	if fake.pages < 3 {
		t.Errorf("expected at least 3 pages, got %d", fake.pages)
	}

	rows, err := ops.scan(ctx, rowRecord, "order_tags", "")
	if err != nil {
		t.Fatalf("scan of every group failed: %v", err)
	}
	groups := map[string]int{}
	for _, r := range rows {
		groups[r.Ref.Group]++
	}
	if len(rows) != 3 || groups["1"] != 2 || groups["2"] != 1 {
		t.Errorf("rows by group = %v", groups)
	}

	rows, err = ops.scan(ctx, rowRecord, "order_tags", "1")
	if err != nil {
		t.Fatalf("scan of one group failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Ref.Group != "1" {
		t.Errorf("group scan = %d rows", len(rows))
	}
}

func TestDynamoRef(t *testing.T) {
	tests := []struct {
		name  string
		kind  recordKind
		item  dynamoItem
		want  recordRef
		valid bool
	}{
		{
			name:  "entity",
			kind:  entityRecord,
			item:  dynamoItem{PK: "entities#orders", SK: "r#7"},
			want:  recordRef{Kind: entityRecord, Table: "orders", ID: "7"},
			valid: true,
		},
		{
			name:  "row",
			kind:  rowRecord,
			item:  dynamoItem{PK: "associations#order_tags#" + pathSegment("1"), SK: "r#gift"},
			want:  recordRef{Kind: rowRecord, Table: "order_tags", Group: "1", ID: "gift"},
			valid: true,
		},
		{"missing sort prefix", entityRecord, dynamoItem{PK: "entities#orders", SK: "7"}, recordRef{}, false},
		{"row of another table", rowRecord, dynamoItem{PK: "associations#order_items#MQ", SK: "r#a"}, recordRef{}, false},
		{"row with a bad group", rowRecord, dynamoItem{PK: "associations#order_tags#!!", SK: "r#a"}, recordRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := "orders"
			if tt.kind == rowRecord {
				table = "order_tags"
			}
			got, ok := dynamoRef(tt.kind, table, tt.item)
			if ok != tt.valid {
				t.Fatalf("ok = %v, want %v", ok, tt.valid)
			}
			if ok && got != tt.want {
				t.Errorf("ref = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDynamoOps_BackendErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	ops := newTestDynamoOps(&failingDynamoDB{fakeDynamoDB: newFakeDynamoDB(), err: errors.New("throttled")})
	if _, err := ops.create(ctx, recordRef{Kind: entityRecord, Table: "orders", ID: "1"}, []byte("{}")); err == nil {
		t.Error("expected the client error")
	}
}

type failingDynamoDB struct {
	*fakeDynamoDB
	err error
}

func (f *failingDynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, f.err
}
