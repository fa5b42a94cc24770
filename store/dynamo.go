package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/jacentio/medley/internal/keyhash"
)

// Attributes managed by the DynamoDB backend.
const (
	attrIndexEntries = "_idx"
	attrLookupPK     = "pk"
	attrLookupID     = "id"
)

// batchGetLimit is the DynamoDB BatchGetItem key limit.
const batchGetLimit = 100

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore is a DocumentStore on two DynamoDB tables: one item per
// document, plus a lookup table of index entries written in the same
// transaction as the document.
type DynamoStore struct {
	client DynamoAPI
	config Config
	logger *slog.Logger
	opts   options

	mu      sync.RWMutex
	indexes map[string]Index
	closed  bool
}

// NewDynamo creates a DynamoStore. Indexes passed via WithIndexes are
// registered without backfill; call EnsureIndex to backfill.
func NewDynamo(client DynamoAPI, config Config, opts ...Option) *DynamoStore {
	config.validate()
	if config.WriteRate > 0 {
		opts = append([]Option{WithWriteLimit(config.WriteRate, config.WriteBurst)}, opts...)
	}
	o := buildOptions(opts)
	s := &DynamoStore{
		client:  client,
		config:  config,
		logger:  o.logger,
		opts:    o,
		indexes: map[string]Index{},
	}
	for _, idx := range o.indexes {
		if idx.Name == "" {
			idx = NewIndex(idx.Fields...)
		}
		s.indexes[idx.Name] = idx
	}
	return s
}

func (s *DynamoStore) check(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *DynamoStore) snapshotIndexes() map[string]Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Index, len(s.indexes))
	for k, v := range s.indexes {
		out[k] = v
	}
	return out
}

func itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		FieldID: &types.AttributeValueMemberS{Value: id},
	}
}

func lookupKey(entry, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrLookupPK: &types.AttributeValueMemberS{Value: entry},
		attrLookupID: &types.AttributeValueMemberS{Value: id},
	}
}

// Get retrieves a document by id with a consistent read.
func (s *DynamoStore) Get(ctx context.Context, id string) (Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	doc, _, err := s.getItem(ctx, id)
	return doc, err
}

func (s *DynamoStore) getItem(ctx context.Context, id string) (Document, []string, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.ItemsTable),
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, err
	}
	if result.Item == nil {
		return nil, nil, ErrNotFound
	}
	return unmarshalDocument(result.Item)
}

// DecodeItem converts an items-table item, such as a stream image, to a
// Document.
func DecodeItem(raw map[string]types.AttributeValue) (Document, error) {
	doc, _, err := unmarshalDocument(raw)
	return doc, err
}

// unmarshalDocument converts an item to a Document and its index entries.
func unmarshalDocument(raw map[string]types.AttributeValue) (Document, []string, error) {
	var entries []string
	if v, ok := raw[attrIndexEntries]; ok {
		if err := attributevalue.Unmarshal(v, &entries); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", attrIndexEntries, err)
		}
	}
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode item: %w", err)
	}
	delete(doc, attrIndexEntries)
	return Document(doc), entries, nil
}

// marshalDocument stamps doc with a new revision and converts it to an item.
func marshalDocument(doc Document, prevRev string, entries []string) (map[string]types.AttributeValue, string, error) {
	delete(doc, FieldRev)
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	rev := keyhash.Revision(prevRev, body)
	doc[FieldRev] = rev

	item, err := attributevalue.MarshalMap(map[string]any(doc))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if len(entries) > 0 {
		list, err := attributevalue.MarshalList(entries)
		if err != nil {
			return nil, "", err
		}
		item[attrIndexEntries] = &types.AttributeValueMemberL{Value: list}
	}
	return item, rev, nil
}

// Post inserts a new document, assigning an id when it has none.
func (s *DynamoStore) Post(ctx context.Context, doc Document) (WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return WriteResult{}, err
	}
	if err := validateForWrite(doc); err != nil {
		return WriteResult{}, err
	}
	doc = doc.shallowCopy()
	if doc.ID() == "" {
		doc[FieldID] = uuid.NewString()
	}
	id := doc.ID()

	entries := entriesFor(doc, s.snapshotIndexes())
	item, rev, err := marshalDocument(doc, "", entries)
	if err != nil {
		return WriteResult{}, err
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                aws.String(s.config.ItemsTable),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": FieldID},
		},
	}}
	for _, e := range entries {
		items = append(items, s.putLookup(e, id))
	}

	if err := s.transact(ctx, items); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{OK: true, ID: id, Rev: rev}, nil
}

// Put replaces an existing document. doc must carry the current revision.
func (s *DynamoStore) Put(ctx context.Context, doc Document) (WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return WriteResult{}, err
	}
	if err := validateForWrite(doc); err != nil {
		return WriteResult{}, err
	}
	if doc.ID() == "" {
		return WriteResult{}, fmt.Errorf("%w: put without _id", ErrInvalidDocument)
	}
	if doc.Rev() == "" {
		return WriteResult{}, ErrConflict
	}
	doc = doc.shallowCopy()
	id, expected := doc.ID(), doc.Rev()

	current, oldEntries, err := s.getItem(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	if current.Rev() != expected {
		return WriteResult{}, ErrConflict
	}

	entries := entriesFor(doc, s.snapshotIndexes())
	item, rev, err := marshalDocument(doc, expected, entries)
	if err != nil {
		return WriteResult{}, err
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                aws.String(s.config.ItemsTable),
			Item:                     item,
			ConditionExpression:      aws.String("#rev = :rev"),
			ExpressionAttributeNames: map[string]string{"#rev": FieldRev},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rev": &types.AttributeValueMemberS{Value: expected},
			},
		},
	}}

	next := map[string]bool{}
	for _, e := range entries {
		next[e] = true
	}
	prev := map[string]bool{}
	for _, e := range oldEntries {
		prev[e] = true
		if !next[e] {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.config.LookupTable),
					Key:       lookupKey(e, id),
				},
			})
		}
	}
	for _, e := range entries {
		if !prev[e] {
			items = append(items, s.putLookup(e, id))
		}
	}

	if err := s.transact(ctx, items); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{OK: true, ID: id, Rev: rev}, nil
}

func (s *DynamoStore) putLookup(entry, id string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.LookupTable),
			Item:      lookupKey(entry, id),
		},
	}
}

func (s *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem) error {
	if s.opts.limiter != nil {
		if err := s.opts.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err)
}

// mapTransactionError maps a failed condition on the document item (always
// the first transaction item) to ErrConflict.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				if i == 0 {
					return ErrConflict
				}
			case "TransactionConflict":
				return ErrConflict
			}
		}
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrConflict
	}
	return err
}

// BulkDocs writes each document in its own transaction: documents with a
// revision are replaced, the rest inserted.
func (s *DynamoStore) BulkDocs(ctx context.Context, docs []Document) ([]WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return bulk(ctx, docs, func(ctx context.Context, doc Document) (WriteResult, error) {
		if doc.Rev() != "" {
			return s.Put(ctx, doc)
		}
		return s.Post(ctx, doc)
	})
}

// Find returns the documents matching q, ordered by id.
func (s *DynamoStore) Find(ctx context.Context, q Query) ([]Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p := planQuery(q.Selector, s.snapshotIndexes(), entryKey)

	var (
		docs []Document
		err  error
	)
	switch {
	case p.ids != nil:
		docs, err = s.batchGet(ctx, p.ids)
	case p.index != nil:
		var ids []string
		ids, err = s.lookupIDs(ctx, p.keys)
		if err == nil {
			docs, err = s.batchGet(ctx, ids)
		}
	case p.typ != "":
		docs, err = s.queryType(ctx, p.typ)
	default:
		docs, err = s.scan(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, doc := range docs {
		if q.Selector.Matches(doc) {
			out = append(out, doc)
		}
	}
	sortByID(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *DynamoStore) lookupIDs(ctx context.Context, entries []string) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, entry := range entries {
		paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:              aws.String(s.config.LookupTable),
			KeyConditionExpression: aws.String("#pk = :pk"),
			ExpressionAttributeNames: map[string]string{
				"#pk": attrLookupPK,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: entry},
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, item := range page.Items {
				v, ok := item[attrLookupID].(*types.AttributeValueMemberS)
				if ok && !seen[v.Value] {
					seen[v.Value] = true
					ids = append(ids, v.Value)
				}
			}
		}
	}
	return ids, nil
}

// batchGet loads documents by id, skipping ids that do not exist.
func (s *DynamoStore) batchGet(ctx context.Context, ids []string) ([]Document, error) {
	var docs []Document
	seen := map[string]bool{}
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		var keys []map[string]types.AttributeValue
		for _, id := range ids[start:end] {
			if !seen[id] {
				seen[id] = true
				keys = append(keys, itemKey(id))
			}
		}

		request := map[string]types.KeysAndAttributes{
			s.config.ItemsTable: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for len(request) > 0 && len(request[s.config.ItemsTable].Keys) > 0 {
			result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, err
			}
			for _, raw := range result.Responses[s.config.ItemsTable] {
				doc, _, err := unmarshalDocument(raw)
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
			request = result.UnprocessedKeys
		}
	}
	return docs, nil
}

func (s *DynamoStore) queryType(ctx context.Context, typ string) ([]Document, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.ItemsTable),
		IndexName:              aws.String(s.config.TypeIndex),
		KeyConditionExpression: aws.String("#type = :type"),
		ExpressionAttributeNames: map[string]string{
			"#type": FieldType,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":type": &types.AttributeValueMemberS{Value: typ},
		},
	})
	var docs []Document
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			doc, _, err := unmarshalDocument(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (s *DynamoStore) scan(ctx context.Context) ([]Document, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.config.ItemsTable),
	})
	var docs []Document
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			doc, _, err := unmarshalDocument(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// EnsureIndex declares idx and backfills lookup entries for documents
// written before it existed. Documents modified during the backfill are
// skipped; their writer indexes them.
func (s *DynamoStore) EnsureIndex(ctx context.Context, idx Index) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if idx.Name == "" {
		idx = NewIndex(idx.Fields...)
	}
	s.mu.Lock()
	_, exists := s.indexes[idx.Name]
	s.indexes[idx.Name] = idx
	s.mu.Unlock()
	if exists {
		return nil
	}

	single := map[string]Index{idx.Name: idx}
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.config.ItemsTable),
	})
	backfilled := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("backfill index %s: %w", idx.Name, err)
		}
		for _, raw := range page.Items {
			doc, entries, err := unmarshalDocument(raw)
			if err != nil {
				return err
			}
			added := entriesFor(doc, single)
			if len(added) == 0 || containsAll(entries, added) {
				continue
			}
			err = s.addEntries(ctx, doc, added)
			if errors.Is(err, ErrConflict) {
				s.logger.Warn("skipped index backfill for modified document", "index", idx.Name, "id", doc.ID())
				continue
			}
			if err != nil {
				return fmt.Errorf("backfill index %s: %w", idx.Name, err)
			}
			backfilled++
		}
	}
	s.logger.Info("index ready", "index", idx.Name, "backfilled", backfilled)
	return nil
}

func (s *DynamoStore) addEntries(ctx context.Context, doc Document, entries []string) error {
	list, err := attributevalue.MarshalList(entries)
	if err != nil {
		return err
	}
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:           aws.String(s.config.ItemsTable),
			Key:                 itemKey(doc.ID()),
			UpdateExpression:    aws.String("SET #idx = list_append(if_not_exists(#idx, :empty), :entries)"),
			ConditionExpression: aws.String("#rev = :rev"),
			ExpressionAttributeNames: map[string]string{
				"#idx": attrIndexEntries,
				"#rev": FieldRev,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":empty":   &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
				":entries": &types.AttributeValueMemberL{Value: list},
				":rev":     &types.AttributeValueMemberS{Value: doc.Rev()},
			},
		},
	}}
	for _, e := range entries {
		items = append(items, s.putLookup(e, doc.ID()))
	}
	return s.transact(ctx, items)
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Close marks the store closed. The DynamoDB client holds no resources.
func (s *DynamoStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
