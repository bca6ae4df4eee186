package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/transcript"
)

const (
	skState      = "STATE#"
	skBuffer     = "BUFFER#"
	skPrefixTurn = "TURN#"
	sessionTTL   = 24 * time.Hour      // state and buffer
	turnTTL      = 30 * 24 * time.Hour // 30-day turn log
)

// SessionClient wraps a DynamoDB table holding per-session conversation
// state, transcript buffers and the turn log. It satisfies
// conversation.StateStore and transcript.BufferStore.
type SessionClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewSessionClient creates a SessionClient.
func NewSessionClient(api dynamodbAPI, tableName string) (*SessionClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &SessionClient{api: api, tableName: tableName, now: time.Now}, nil
}

// sessPK returns the DynamoDB partition key for a session.
func sessPK(sessionID string) string {
	return "SESS#" + sessionID
}

// turnSK returns the sort key for a turn record at ts.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

func (c *SessionClient) expiry(d time.Duration) int64 {
	return c.now().Add(d).Unix()
}

// Get loads the conversation state for a session. Expired items that DynamoDB
// has not swept yet are treated as absent.
func (c *SessionClient) Get(ctx context.Context, sessionID string) (conversation.State, bool, error) {
	item, err := c.getItem(ctx, sessionID, skState)
	if err != nil {
		return conversation.State{}, false, fmt.Errorf("repository: Get state: %w", err)
	}
	if item == nil {
		return conversation.State{}, false, nil
	}
	st, err := itemToState(sessionID, item)
	if err != nil {
		return conversation.State{}, false, fmt.Errorf("repository: Get state decode: %w", err)
	}
	return st, true, nil
}

// Put writes the state record as revision st.Version+1. A record that moved
// past st.Version is left alone and conversation.ErrConflict is returned.
func (c *SessionClient) Put(ctx context.Context, st conversation.State) error {
	if st.SessionID == "" {
		return errors.New("repository: Put state: session id is required")
	}
	item := stateItem(st)
	item["updatedAt"] = strVal(c.now().UTC().Format(time.RFC3339))
	item["ttl"] = numVal(c.expiry(sessionTTL))
	if err := c.putVersioned(ctx, item, st.Version); err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: Put state: %w", conversation.ErrConflict)
		}
		return fmt.Errorf("repository: Put state: %w", err)
	}
	return nil
}

// Remove deletes the state record.
func (c *SessionClient) Remove(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(sessPK(sessionID), skState),
	})
	if err != nil {
		return fmt.Errorf("repository: Remove state: %w", err)
	}
	return nil
}

// GetBuffer loads the transcript buffer for a session.
func (c *SessionClient) GetBuffer(ctx context.Context, sessionID string) (transcript.Buffer, bool, error) {
	item, err := c.getItem(ctx, sessionID, skBuffer)
	if err != nil {
		return transcript.Buffer{}, false, fmt.Errorf("repository: GetBuffer: %w", err)
	}
	if item == nil {
		return transcript.Buffer{}, false, nil
	}
	text, err := optStrAttr(item, "text")
	if err != nil {
		return transcript.Buffer{}, false, fmt.Errorf("repository: GetBuffer decode: %w", err)
	}
	interim, err := optStrAttr(item, "interim")
	if err != nil {
		return transcript.Buffer{}, false, fmt.Errorf("repository: GetBuffer decode: %w", err)
	}
	last, err := optStrAttr(item, "last")
	if err != nil {
		return transcript.Buffer{}, false, fmt.Errorf("repository: GetBuffer decode: %w", err)
	}
	return transcript.Buffer{
		SessionID: sessionID,
		Text:      text,
		Interim:   interim,
		Last:      last,
		Version:   versionAttr(item),
	}, true, nil
}

// PutBuffer writes the transcript buffer as revision b.Version+1, returning
// transcript.ErrConflict when another writer got there first.
func (c *SessionClient) PutBuffer(ctx context.Context, b transcript.Buffer) error {
	if b.SessionID == "" {
		return errors.New("repository: PutBuffer: session id is required")
	}
	item := map[string]types.AttributeValue{
		"PK":        strVal(sessPK(b.SessionID)),
		"SK":        strVal(skBuffer),
		"sessionId": strVal(b.SessionID),
		"text":      strVal(b.Text),
		"interim":   strVal(b.Interim),
		"last":      strVal(b.Last),
		"ttl":       numVal(c.expiry(sessionTTL)),
	}
	if err := c.putVersioned(ctx, item, b.Version); err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: PutBuffer: %w", transcript.ErrConflict)
		}
		return fmt.Errorf("repository: PutBuffer: %w", err)
	}
	return nil
}

// RemoveBuffer deletes the transcript buffer for a session.
func (c *SessionClient) RemoveBuffer(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(sessPK(sessionID), skBuffer),
	})
	if err != nil {
		return fmt.Errorf("repository: RemoveBuffer: %w", err)
	}
	return nil
}

// ClearSession deletes the state and buffer records in one transaction.
func (c *SessionClient) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("repository: ClearSession: session id is required")
	}
	pk := sessPK(sessionID)
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String(c.tableName), Key: key(pk, skState)}},
			{Delete: &types.Delete{TableName: aws.String(c.tableName), Key: key(pk, skBuffer)}},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ClearSession: %w", err)
	}
	return nil
}

// SaveTurn appends a turn record to the session log.
func (c *SessionClient) SaveTurn(ctx context.Context, rec domain.TurnRecord) error {
	if rec.SessionID == "" {
		return errors.New("repository: SaveTurn: session id is required")
	}
	rec = c.completeTurn(rec)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// GetTurns returns up to limit of the most recent turns in chronological order.
func (c *SessionClient) GetTurns(ctx context.Context, sessionID string, limit int) ([]domain.TurnRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(sessPK(sessionID)),
			":prefix": strVal(skPrefixTurn),
		},
		// Newest first so Limit keeps the most recent turns.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetTurns query: %w", err)
	}

	turns := make([]domain.TurnRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetTurns unmarshal: %w", err)
		}
		turns = append(turns, rec)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (c *SessionClient) completeTurn(rec domain.TurnRecord) domain.TurnRecord {
	if rec.PK == "" {
		rec.PK = sessPK(rec.SessionID)
	}
	if rec.SK == "" {
		rec.SK = turnSK(c.now())
	}
	if rec.TTL == 0 {
		rec.TTL = c.expiry(turnTTL)
	}
	return rec
}

// putVersioned stores item as revision version+1. Revision 0 may only replace
// an absent, unversioned or expired item; any other revision must match.
func (c *SessionClient) putVersioned(ctx context.Context, item map[string]types.AttributeValue, version int64) error {
	item["version"] = numVal(version + 1)
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR attribute_not_exists(#v) OR #ttl <= :now")
		in.ExpressionAttributeNames = map[string]string{"#v": "version", "#ttl": "ttl"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":now": numVal(c.now().Unix())}
	} else {
		in.ConditionExpression = aws.String("#v = :v")
		in.ExpressionAttributeNames = map[string]string{"#v": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numVal(version)}
	}
	_, err := c.api.PutItem(ctx, in)
	return err
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// versionAttr reads the item revision; items written before versioning are 0.
func versionAttr(item map[string]types.AttributeValue) int64 {
	v, err := intAttr(item, "version")
	if err != nil {
		return 0
	}
	return v
}

func (c *SessionClient) getItem(ctx context.Context, sessionID, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(sessPK(sessionID), sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	if ttl, err := intAttr(out.Item, "ttl"); err == nil && ttl <= c.now().Unix() {
		return nil, nil
	}
	return out.Item, nil
}

func stateItem(st conversation.State) map[string]types.AttributeValue {
	entities := make(map[string]types.AttributeValue, len(st.Collected))
	for slot, v := range st.Collected {
		entities[string(slot)] = strVal(v)
	}
	missing := make([]types.AttributeValue, 0, len(st.Missing))
	for _, slot := range st.Missing {
		missing = append(missing, strVal(string(slot)))
	}
	return map[string]types.AttributeValue{
		"PK":        strVal(sessPK(st.SessionID)),
		"SK":        strVal(skState),
		"sessionId": strVal(st.SessionID),
		"intent":    strVal(string(st.Intent)),
		"entities":  &types.AttributeValueMemberM{Value: entities},
		"missing":   &types.AttributeValueMemberL{Value: missing},
		"fulfilled": &types.AttributeValueMemberBOOL{Value: st.Fulfilled},
	}
}

func itemToState(sessionID string, item map[string]types.AttributeValue) (conversation.State, error) {
	st := conversation.NewState(sessionID)
	intent, err := optStrAttr(item, "intent")
	if err != nil {
		return st, err
	}
	st.Intent = domain.Intent(intent)
	st.Fulfilled = boolAttr(item, "fulfilled")
	st.Version = versionAttr(item)

	if m, ok := item["entities"].(*types.AttributeValueMemberM); ok {
		for name, v := range m.Value {
			slot, known := domain.ParseSlot(name)
			sv, isStr := v.(*types.AttributeValueMemberS)
			if !known || !isStr {
				return st, fmt.Errorf("repository: bad entity %q", name)
			}
			st.Collected[slot] = sv.Value
		}
	}
	if l, ok := item["missing"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			sv, isStr := v.(*types.AttributeValueMemberS)
			if !isStr {
				return st, errors.New("repository: missing slot is not a string")
			}
			slot, known := domain.ParseSlot(sv.Value)
			if !known {
				return st, fmt.Errorf("repository: unknown missing slot %q", sv.Value)
			}
			st.Missing = append(st.Missing, slot)
		}
	}
	return st, nil
}

func turnItem(rec domain.TurnRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        strVal(rec.PK),
		"SK":        strVal(rec.SK),
		"sessionId": strVal(rec.SessionID),
		"utterance": strVal(rec.Utterance),
		"response":  strVal(rec.Response),
		"intent":    strVal(string(rec.Intent)),
		"fulfilled": &types.AttributeValueMemberBOOL{Value: rec.Fulfilled},
		"ttl":       numVal(rec.TTL),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.TurnRecord, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	utterance, err := strAttr(item, "utterance")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	sessionID, _ := optStrAttr(item, "sessionId")
	response, _ := optStrAttr(item, "response") // allow empty
	intent, _ := optStrAttr(item, "intent")
	ttl, _ := intAttr(item, "ttl")

	return domain.TurnRecord{
		PK:        pk,
		SK:        sk,
		SessionID: sessionID,
		Utterance: utterance,
		Response:  response,
		Intent:    domain.Intent(intent),
		Fulfilled: boolAttr(item, "fulfilled"),
		TTL:       ttl,
	}, nil
}
