package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/utils"
)

// MongoStore reads and writes the chat database directly.
type MongoStore struct {
	chats    *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
	self     string
}

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

func NewMongoStore(db *mongo.Database, userID string) *MongoStore {
	return &MongoStore{
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
		self:     userID,
	}
}

// EnsureIndexes creates the paging and idempotency indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("chat_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetName("client_id_idx").SetUnique(true).SetSparse(true),
		},
	})
	return wrap("ensure indexes", err)
}

func (s *MongoStore) FetchChatList(ctx context.Context, userID string) ([]*domain.Chat, error) {
	cur, err := s.chats.Find(ctx, bson.M{"participants": userID, "deleted": bson.M{"$ne": true}})
	if err != nil {
		return nil, wrap("fetch chat list", err)
	}
	var docs []chatDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("fetch chat list", err)
	}

	out := make([]*domain.Chat, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		if len(d.Members) > 0 {
			ucur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": d.Members}})
			if err != nil {
				return nil, wrap("fetch participants", err)
			}
			if err := ucur.All(ctx, &d.Users); err != nil {
				return nil, wrap("fetch participants", err)
			}
		}
		last, err := s.lastMessage(ctx, d.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, wrap("fetch last message", err)
		}
		d.LastMessage = last
		out = append(out, d.toDomain(userID))
	}
	return out, nil
}

func (s *MongoStore) lastMessage(ctx context.Context, chatID string) (*messageDoc, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var m messageDoc
	filter := bson.M{"chat_id": chatID, "deleted_for": bson.M{"$ne": s.self}}
	if err := s.messages.FindOne(ctx, filter, opts).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) FetchMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	filter := bson.M{"chat_id": chatID, "deleted_for": bson.M{"$ne": s.self}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("fetch messages", err)
	}
	defer cur.Close(ctx)

	out := []*domain.Message{}
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, wrap("fetch messages", err)
		}
		out = append(out, d.toDomain(s.self))
	}
	return out, wrap("fetch messages", cur.Err())
}

// PersistMessage inserts once per client id; retries return the stored document.
func (s *MongoStore) PersistMessage(ctx context.Context, chatID string, msg *domain.Message) (*domain.Message, error) {
	doc := messageDocFrom(msg)
	doc.ChatID = chatID
	if doc.ID == "" || utils.IsTempID(doc.ID) {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	filter := bson.M{"client_id": doc.ClientID}
	update := bson.M{"$setOnInsert": doc}
	if _, err := s.messages.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return nil, wrap("persist message", err)
	}
	var stored messageDoc
	if err := s.messages.FindOne(ctx, filter).Decode(&stored); err != nil {
		return nil, wrap("persist message", err)
	}
	_, _ = s.chats.UpdateByID(ctx, chatID, bson.M{"$set": bson.M{"updated_at": stored.CreatedAt}})
	return stored.toDomain(s.self), nil
}

func (s *MongoStore) MarkRead(ctx context.Context, chatID string) error {
	filter := bson.M{"chat_id": chatID, "sender_id": bson.M{"$ne": s.self}}
	_, err := s.messages.UpdateMany(ctx, filter, bson.M{"$addToSet": bson.M{"read_by": s.self}})
	return wrap("mark read", err)
}

func (s *MongoStore) DeleteMessage(ctx context.Context, chatID, messageID string, purge bool) error {
	filter := bson.M{"_id": messageID, "chat_id": chatID}
	var (
		res *mongo.UpdateResult
		n   int64
		err error
	)
	if purge {
		var dr *mongo.DeleteResult
		dr, err = s.messages.DeleteOne(ctx, filter)
		if dr != nil {
			n = dr.DeletedCount
		}
	} else {
		res, err = s.messages.UpdateOne(ctx, filter, bson.M{
			"$set":   bson.M{"deleted": true, "content": ""},
			"$unset": bson.M{"metadata": "", "reactions": ""},
		})
		if res != nil {
			n = res.MatchedCount
		}
	}
	if err == nil && n == 0 {
		err = ErrNotFound
	}
	return wrap("delete message", err)
}

func (s *MongoStore) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	filter := bson.M{"_id": messageID, "chat_id": chatID, "sender_id": s.self}
	res, err := s.messages.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"content": text, "edited_at": time.Now().UTC()}})
	if err == nil && res.MatchedCount == 0 {
		err = ErrNotFound
	}
	return wrap("edit message", err)
}

func (s *MongoStore) React(ctx context.Context, chatID, messageID, emoji string, add bool) error {
	op := "$addToSet"
	if !add {
		op = "$pull"
	}
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": messageID, "chat_id": chatID}, bson.M{op: bson.M{"reactions." + emoji: s.self}})
	return wrap("react", err)
}
