package storage

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"FamLink/module/rtc/model"
	"FamLink/module/rtc/msgflow"
	"FamLink/tools/errs"
)

const (
	idxConvSeq   = "uniq_conv_seq"
	idxConvNonce = "uniq_conv_sender_nonce"
)

type MongoConfig struct {
	Uri         string
	Database    string
	MaxPoolSize int
	MaxRetry    int
}

func (c *MongoConfig) norm() error {
	if c.Uri == "" {
		return errs.ErrBadRequest.WithDetail("mongo uri required")
	}
	if c.Database == "" {
		c.Database = "famlink"
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	return nil
}

// MongoStore is the durable message log. The two unique indexes carry the
// commit arbitration: (conversation, seq) and (conversation, sender, nonce).
type MongoStore struct {
	cli           *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewMongoStore(ctx context.Context, conf MongoConfig) (*MongoStore, error) {
	if err := conf.norm(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(conf.Uri).SetMaxPoolSize(uint64(conf.MaxPoolSize))

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < conf.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "connect mongo", "uri", conf.Uri)
	}

	db := cli.Database(conf.Database)
	s := &MongoStore{
		cli:           cli,
		conversations: db.Collection((*model.Conversation)(nil).GetTableName()),
		messages:      db.Collection((*model.Message)(nil).GetTableName()),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return cli, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapErr(err, "ensure conversation index")
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxConvSeq),
		},
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "sender_id", Value: 1},
				{Key: "client_nonce", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName(idxConvNonce),
		},
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapErr(err, "ensure message indexes")
	}
	return nil
}

func (s *MongoStore) EnsureConversation(ctx context.Context, conversationID string, participants []string) error {
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{
			"$setOnInsert": bson.M{
				"conversation_id": conversationID,
				"participants":    participants,
				"max_seq":         int64(0),
				"min_seq":         int64(0),
				"create_time":     time.Now().UnixMilli(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// IsParticipant distinguishes an unknown conversation (ErrConvNotFound)
// from a known one that the user is simply not part of (false, nil).
func (s *MongoStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var doc struct {
		Participants []string `bson:"participants"`
	}
	err := s.conversations.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, errs.ErrConvNotFound.WithDetail(conversationID)
	}
	if err != nil {
		return false, err
	}
	for _, p := range doc.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

// Append inserts the sequenced message and advances the conversation
// waterline. Duplicate-key errors are translated by index name so the
// pipeline can tell a nonce replay from a seq race.
func (s *MongoStore) Append(ctx context.Context, msg *model.Message) error {
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), idxConvNonce) {
				return msgflow.ErrDupNonce
			}
			return msgflow.ErrDupSeq
		}
		return err
	}
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"conversation_id": msg.ConversationID, "max_seq": bson.M{"$lt": msg.Seq}},
		bson.M{"$set": bson.M{"max_seq": msg.Seq}},
	)
	return err
}

func (s *MongoStore) FindByNonce(ctx context.Context, conversationID, senderID, nonce string) (*model.Message, error) {
	var m model.Message
	err := s.messages.FindOne(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"client_nonce":    nonce,
	}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) Query(ctx context.Context, conversationID string, sinceSeq int64, limit int) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, bson.M{
		"conversation_id": conversationID,
		"seq":             bson.M{"$gt": sinceSeq},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (s *MongoStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	return s.seqField(ctx, conversationID, "max_seq")
}

func (s *MongoStore) MinSeq(ctx context.Context, conversationID string) (int64, error) {
	return s.seqField(ctx, conversationID, "min_seq")
}

func (s *MongoStore) seqField(ctx context.Context, conversationID, field string) (int64, error) {
	var conv model.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return 0, errs.ErrConvNotFound.WithDetail(conversationID)
	}
	if err != nil {
		return 0, err
	}
	if field == "min_seq" {
		return conv.MinSeq, nil
	}
	return conv.MaxSeq, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}
