package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by the clients in
// this package. *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func strVal(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func numVal(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": strVal(pk), "SK": strVal(sk)}
}

func strAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", name)
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", name)
	}
	return sv.Value, nil
}

// optStrAttr returns "" for an absent attribute but still rejects a mistyped one.
func optStrAttr(item map[string]types.AttributeValue, name string) (string, error) {
	if _, ok := item[name]; !ok {
		return "", nil
	}
	return strAttr(item, name)
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	v, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", name)
	}
	nv, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", name)
	}
	parsed, err := strconv.ParseInt(nv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", name, err)
	}
	return parsed, nil
}

// normalizeName folds case, drops punctuation and a leading doctor title so
// "Dr. Kavin" and "kavin" index together.
func normalizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '\'':
			return -1
		}
		return r
	}, strings.ToLower(name))
	words := strings.Fields(cleaned)
	if len(words) > 1 && (words[0] == "dr" || words[0] == "doctor") {
		words = words[1:]
	}
	return strings.Join(words, " ")
}
