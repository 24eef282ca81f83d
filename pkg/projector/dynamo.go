package projector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/perimetra/perimetra/pkg/ledger"
)

// DynamoWatermarks backs the watermark lease with a DynamoDB table when
// projectors run on more than one host. One item per partition; conditional
// writes enforce the single-holder discipline.
//
// Table shape: partition key "partition" (S); attributes holder (S),
// expiresAt (N, epoch millis), seqT (N), seqO (N).
type DynamoWatermarks struct {
	Client *dynamodb.Client
	Table  string
}

func NewDynamoWatermarks(cfg aws.Config, table string) *DynamoWatermarks {
	return &DynamoWatermarks{Client: dynamodb.NewFromConfig(cfg), Table: table}
}

// OpenDynamoWatermarks builds the store from the ambient AWS configuration.
func OpenDynamoWatermarks(ctx context.Context, table string) (*DynamoWatermarks, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewDynamoWatermarks(cfg, table), nil
}

func (d *DynamoWatermarks) key(partition string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"partition": &types.AttributeValueMemberS{Value: partition},
	}
}

func (d *DynamoWatermarks) Acquire(ctx context.Context, partition, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	expires := now.Add(ttl)

	_, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.Table),
		Key:                 d.key(partition),
		UpdateExpression:    aws.String("SET holder = :me, expiresAt = :exp"),
		ConditionExpression: aws.String("attribute_not_exists(holder) OR holder = :me OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":me":  &types.AttributeValueMemberS{Value: holder},
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("%w: partition %s", ErrLeaseHeld, partition)
		}
		return nil, fmt.Errorf("acquire watermark lease: %w", err)
	}
	return &Lease{Partition: partition, Holder: holder, Expires: expires}, nil
}

func (d *DynamoWatermarks) Position(ctx context.Context, partition string) (ledger.Seq, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.Table),
		Key:            d.key(partition),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ledger.Zero, fmt.Errorf("read watermark: %w", err)
	}
	seqT, okT := out.Item["seqT"].(*types.AttributeValueMemberN)
	seqO, okO := out.Item["seqO"].(*types.AttributeValueMemberN)
	if !okT || !okO {
		return ledger.Zero, nil
	}
	t, err := strconv.ParseInt(seqT.Value, 10, 64)
	if err != nil {
		return ledger.Zero, fmt.Errorf("corrupt watermark for %s: %w", partition, err)
	}
	o, err := strconv.ParseUint(seqO.Value, 10, 32)
	if err != nil {
		return ledger.Zero, fmt.Errorf("corrupt watermark for %s: %w", partition, err)
	}
	return ledger.Seq{UnixMilli: t, Ordinal: uint32(o)}, nil
}

func (d *DynamoWatermarks) Advance(ctx context.Context, lease *Lease, seq ledger.Seq) error {
	_, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.Table),
		Key:                 d.key(lease.Partition),
		UpdateExpression:    aws.String("SET seqT = :t, seqO = :o"),
		ConditionExpression: aws.String("holder = :me AND expiresAt >= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberN{Value: strconv.FormatInt(seq.UnixMilli, 10)},
			":o":   &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(seq.Ordinal), 10)},
			":me":  &types.AttributeValueMemberS{Value: lease.Holder},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: lease expired or stolen for %s", ErrLeaseHeld, lease.Partition)
		}
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

func (d *DynamoWatermarks) Release(ctx context.Context, lease *Lease) error {
	_, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.Table),
		Key:                 d.key(lease.Partition),
		UpdateExpression:    aws.String("REMOVE holder, expiresAt"),
		ConditionExpression: aws.String("holder = :me"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":me": &types.AttributeValueMemberS{Value: lease.Holder},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil // Already expired and reclaimed; nothing to release.
		}
		return fmt.Errorf("release watermark lease: %w", err)
	}
	return nil
}
