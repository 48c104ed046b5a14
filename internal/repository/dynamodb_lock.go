package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	defaultLockLease = 30 * time.Second
	lockRetryEvery   = 200 * time.Millisecond
	unlockTimeout    = 5 * time.Second
	renewTimeout     = 5 * time.Second
	lockTTLSlack     = 24 * time.Hour
)

// DynamoLocker is an advisory lease lock per (namespace, key), stored as
// LOCK#<key> items next to the records it guards. A held lease is renewed
// every third of its length until released; an expired lease may be taken
// over by another owner.
type DynamoLocker struct {
	api        dynamodbAPI
	tableName  string
	lease      time.Duration
	retryEvery time.Duration
	renewEvery time.Duration
	now        func() time.Time
	newToken   func() string
}

func NewLocker(api dynamodbAPI, tableName string, lease time.Duration) (*DynamoLocker, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if lease <= 0 {
		lease = defaultLockLease
	}
	return &DynamoLocker{
		api:        api,
		tableName:  tableName,
		lease:      lease,
		retryEvery: lockRetryEvery,
		renewEvery: max(lease/3, time.Millisecond),
		now:        time.Now,
		newToken:   uuid.NewString,
	}, nil
}

// Lock blocks until the lease is acquired or ctx is done.
func (l *DynamoLocker) Lock(ctx context.Context, namespace, key string) (func(), error) {
	owner := l.newToken()
	for {
		now := l.now()
		_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(l.tableName),
			Item:                lockItem(namespace, key, owner, now.Add(l.lease)),
			ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			stop := l.keepAlive(namespace, key, owner)
			return l.unlocker(namespace, key, owner, stop), nil
		}
		var held *types.ConditionalCheckFailedException
		if !errors.As(err, &held) {
			return nil, fmt.Errorf("repository: Lock: %w", err)
		}

		timer := time.NewTimer(l.retryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("repository: Lock %s/%s: %w", namespace, key, ctx.Err())
		case <-timer.C:
		}
	}
}

// keepAlive extends the lease until stop is called or the lease turns out to
// belong to someone else.
func (l *DynamoLocker) keepAlive(namespace, key, owner string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(l.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := l.renew(namespace, key, owner)
			var lost *types.ConditionalCheckFailedException
			switch {
			case err == nil:
			case errors.As(err, &lost):
				slog.Warn("memory lock lease lost", "namespace", namespace, "key", key)
				return
			default:
				slog.Warn("failed to renew memory lock", "namespace", namespace, "key", key, "err", err)
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (l *DynamoLocker) renew(namespace, key, owner string) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()
	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                lockItem(namespace, key, owner, l.now().Add(l.lease)),
		ConditionExpression: aws.String("lockOwner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	return err
}

// unlocker stops renewal and deletes the lease only while this owner still
// holds it. It runs on a fresh context so release happens even after the
// caller was cancelled.
func (l *DynamoLocker) unlocker(namespace, key, owner string, stopRenewal func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenewal()
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			_, err := l.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(l.tableName),
				Key:                 itemKey(namespace, skPrefixLck+key),
				ConditionExpression: aws.String("lockOwner = :owner"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":owner": &types.AttributeValueMemberS{Value: owner},
				},
			})
			var lost *types.ConditionalCheckFailedException
			if err != nil && !errors.As(err, &lost) {
				slog.Warn("failed to release memory lock", "namespace", namespace, "key", key, "err", err)
			}
		})
	}
}

func lockItem(namespace, key, owner string, expires time.Time) map[string]types.AttributeValue {
	item := itemKey(namespace, skPrefixLck+key)
	item["lockOwner"] = &types.AttributeValueMemberS{Value: owner}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix(), 10)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Add(lockTTLSlack).Unix(), 10)}
	return item
}
