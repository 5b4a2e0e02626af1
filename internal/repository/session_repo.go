package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"pairquiz/internal/model"
)

// SessionRepo is the durable-store adapter for session records. The REST
// session-creation service owns record creation and the participant fields;
// this service reads records and persists play-time mutations field by field
// so the durable copy never lags memory by more than one operation.
type SessionRepo interface {
	Load(ctx context.Context, id string) (*model.Session, error)
	SaveAnswer(ctx context.Context, id string, role model.Role, questionIndex int, option string) error
	SaveQuestionIndex(ctx context.Context, id string, index int) error
	SaveCompletion(ctx context.Context, id string, role model.Role, score, timeTaken float64, completedAt *time.Time) error
	SaveTimer(ctx context.Context, id string, seconds int) error
	SaveCancellation(ctx context.Context, id string, reason string, cancelledAt time.Time) error
}

type sessionRepo struct {
	collection *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepo {
	return &sessionRepo{
		collection: db.Collection("pair_quiz_sessions"),
	}
}

// Load returns nil, nil when no record exists.
func (r *sessionRepo) Load(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) SaveAnswer(ctx context.Context, id string, role model.Role, questionIndex int, option string) error {
	field := "hostAnswers." + model.AnswerKey(questionIndex)
	if role == model.RolePartner {
		field = "partnerAnswers." + model.AnswerKey(questionIndex)
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{field: option}})
	return err
}

func (r *sessionRepo) SaveQuestionIndex(ctx context.Context, id string, index int) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"currentQuestionIndex": index}})
	return err
}

// SaveCompletion writes one side's score and elapsed time. A non-nil
// completedAt also moves the record to its terminal completed status, which
// happens when the second side reports.
func (r *sessionRepo) SaveCompletion(ctx context.Context, id string, role model.Role, score, timeTaken float64, completedAt *time.Time) error {
	set := bson.M{
		"hostScore":     score,
		"hostTimeTaken": timeTaken,
	}
	if role == model.RolePartner {
		set = bson.M{
			"partnerScore":     score,
			"partnerTimeTaken": timeTaken,
		}
	}
	if completedAt != nil {
		set["status"] = model.SessionCompleted
		set["completedAt"] = *completedAt
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	return err
}

func (r *sessionRepo) SaveTimer(ctx context.Context, id string, seconds int) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"timerSeconds": seconds}})
	return err
}

func (r *sessionRepo) SaveCancellation(ctx context.Context, id string, reason string, cancelledAt time.Time) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":             model.SessionCancelled,
		"cancellationReason": reason,
		"completedAt":        cancelledAt,
	}})
	return err
}
