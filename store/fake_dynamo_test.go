package store

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoAPI that understands exactly the
// expressions DynamoStore issues.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func fakeKey(item map[string]types.AttributeValue) string {
	if id, ok := item[FieldID]; ok {
		return str(id)
	}
	return str(item[attrLookupPK]) + "|" + str(item[attrLookupID])
}

func (f *fakeDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t := f.tables[name]
	if t == nil {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[name] = t
	}
	return t
}

func (f *fakeDynamo) sorted(name string) []map[string]types.AttributeValue {
	t := f.table(name)
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, t[k])
	}
	return out
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(*in.TableName)[fakeKey(in.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]types.AttributeValue
	for _, item := range f.sorted(*in.TableName) {
		if in.IndexName != nil {
			if str(item[FieldType]) == str(in.ExpressionAttributeValues[":type"]) {
				out = append(out, item)
			}
			continue
		}
		if str(item[attrLookupPK]) == str(in.ExpressionAttributeValues[":pk"]) {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.ScanOutput{Items: f.sorted(*in.TableName)}, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]map[string]types.AttributeValue{}
	for name, ka := range in.RequestItems {
		for _, key := range ka.Keys {
			if item, ok := f.table(name)[fakeKey(key)]; ok {
				out[name] = append(out[name], item)
			}
		}
	}
	return &dynamodb.BatchGetItemOutput{Responses: out}, nil
}

func (f *fakeDynamo) conditionHolds(table string, key map[string]types.AttributeValue, expr *string, values map[string]types.AttributeValue) bool {
	if expr == nil {
		return true
	}
	current, exists := f.table(table)[fakeKey(key)]
	switch *expr {
	case "attribute_not_exists(#id)":
		return !exists
	case "#rev = :rev":
		return exists && str(current[FieldRev]) == str(values[":rev"])
	}
	panic("fakeDynamo: unsupported condition " + *expr)
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		ok := true
		switch {
		case item.Put != nil:
			ok = f.conditionHolds(*item.Put.TableName, item.Put.Item, item.Put.ConditionExpression, item.Put.ExpressionAttributeValues)
		case item.Update != nil:
			ok = f.conditionHolds(*item.Update.TableName, item.Update.Key, item.Update.ConditionExpression, item.Update.ExpressionAttributeValues)
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			f.table(*item.Put.TableName)[fakeKey(item.Put.Item)] = item.Put.Item
		case item.Delete != nil:
			delete(f.table(*item.Delete.TableName), fakeKey(item.Delete.Key))
		case item.Update != nil:
			t := f.table(*item.Update.TableName)
			cur := t[fakeKey(item.Update.Key)]
			next := map[string]types.AttributeValue{}
			for k, v := range cur {
				next[k] = v
			}
			var list []types.AttributeValue
			if l, ok := cur[attrIndexEntries].(*types.AttributeValueMemberL); ok {
				list = append(list, l.Value...)
			}
			list = append(list, item.Update.ExpressionAttributeValues[":entries"].(*types.AttributeValueMemberL).Value...)
			next[attrIndexEntries] = &types.AttributeValueMemberL{Value: list}
			t[fakeKey(item.Update.Key)] = next
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
