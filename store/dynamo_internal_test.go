package store

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestMapTransactionError_NilError(t *testing.T) {
	if err := mapTransactionError(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMapTransactionError_NonTransactionError(t *testing.T) {
	original := errors.New("network")
	if err := mapTransactionError(original); err != original {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestMapTransactionError_DocumentConditionFailed(t *testing.T) {
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}
	if err := mapTransactionError(txErr); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestMapTransactionError_LookupConditionIsNotConflict(t *testing.T) {
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	if err := mapTransactionError(txErr); errors.Is(err, ErrConflict) {
		t.Errorf("expected raw error, got %v", err)
	}
}

func TestMapTransactionError_TransactionConflict(t *testing.T) {
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: nil},
			{Code: aws.String("TransactionConflict")},
		},
	}
	if err := mapTransactionError(txErr); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestUnmarshalDocument_SplitsIndexEntries(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"_id":  &types.AttributeValueMemberS{Value: "x"},
		"type": &types.AttributeValueMemberS{Value: "artist"},
		"_idx": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "e1"},
		}},
		"n": &types.AttributeValueMemberN{Value: "3"},
	}
	doc, entries, err := unmarshalDocument(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "e1" {
		t.Errorf("expected [e1], got %v", entries)
	}
	if _, ok := doc["_idx"]; ok {
		t.Error("expected _idx stripped")
	}
	if doc["n"] != float64(3) {
		t.Errorf("expected numbers as float64, got %T", doc["n"])
	}
}

func TestMarshalDocument_StampsRevision(t *testing.T) {
	doc := Document{"_id": "x", "type": "artist", "_rev": "4-old"}
	item, rev, err := marshalDocument(doc, "4-old", []string{"e"})
	if err != nil {
		t.Fatal(err)
	}
	if rev[:2] != "5-" {
		t.Errorf("expected revision 5, got %q", rev)
	}
	if str(item[FieldRev]) != rev {
		t.Errorf("expected item revision %q, got %q", rev, str(item[FieldRev]))
	}
	if _, ok := item[attrIndexEntries]; !ok {
		t.Error("expected _idx attribute")
	}
}
