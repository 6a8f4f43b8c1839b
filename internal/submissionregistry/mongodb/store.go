// Package mongodb implements submissionregistry.SubmissionRegistry on top
// of the official MongoDB driver, for deployments preferring a document
// store over PostgreSQL (db.driver=mongodb).
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

const (
	submissionsCollection  = "submissions"
	chainsCollection       = "process_chains"
	countersCollection     = "counters"
	chainSequenceCounterID = "process_chain_sequence"
)

// Store is a MongoDB-backed SubmissionRegistry.
type Store struct {
	client      *mongo.Client
	submissions *mongo.Collection
	chains      *mongo.Collection
	counters    *mongo.Collection
}

// New connects to uri and returns a ready Store. dbName selects the
// database within the cluster.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("submissionregistry/mongodb: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("submissionregistry/mongodb: ping: %w", err)
	}

	db := client.Database(dbName)

	chains := db.Collection(chainsCollection)
	if _, err := chains.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "sequence", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("submissionregistry/mongodb: create index: %w", err)
	}

	return &Store{
		client:      client,
		submissions: db.Collection(submissionsCollection),
		chains:      chains,
		counters:    db.Collection(countersCollection),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ submissionregistry.SubmissionRegistry = (*Store)(nil)

func wrapErr(op, id string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return &submissionregistry.OpError{Op: op, ID: id, Err: submissionregistry.ErrNotFound}
	}

	return &submissionregistry.OpError{Op: op, ID: id, Err: fmt.Errorf("%w: %v", submissionregistry.ErrStorageUnavailable, err)}
}

// submissionDoc and chainDoc mirror the domain structs but give Mongo an
// explicit _id field instead of relying on the domain's "id" json tag.
type submissionDoc struct {
	ID             string                  `bson:"_id"`
	Workflow       domain.Workflow         `bson:"workflow"`
	Status         domain.SubmissionStatus `bson:"status"`
	StartTime      *time.Time              `bson:"start_time,omitempty"`
	EndTime        *time.Time              `bson:"end_time,omitempty"`
	Results        map[string]any          `bson:"results,omitempty"`
	ErrorMessage   string                  `bson:"error_message,omitempty"`
	ExecutionState []byte                  `bson:"execution_state,omitempty"`
}

func toSubmissionDoc(s domain.Submission) submissionDoc {
	return submissionDoc{
		ID: s.ID, Workflow: s.Workflow, Status: s.Status, StartTime: s.StartTime,
		EndTime: s.EndTime, Results: s.Results, ErrorMessage: s.ErrorMessage, ExecutionState: s.ExecutionState,
	}
}

func (d submissionDoc) toDomain() domain.Submission {
	return domain.Submission{
		ID: d.ID, Workflow: d.Workflow, Status: d.Status, StartTime: d.StartTime,
		EndTime: d.EndTime, Results: d.Results, ErrorMessage: d.ErrorMessage, ExecutionState: d.ExecutionState,
	}
}

type chainDoc struct {
	ID                   string                    `bson:"_id"`
	SubmissionID         string                    `bson:"submission_id"`
	Sequence             int64                     `bson:"sequence"`
	Executables          []domain.Executable       `bson:"executables"`
	RequiredCapabilities []string                  `bson:"required_capabilities"`
	Status               domain.ProcessChainStatus `bson:"status"`
	Owner                string                    `bson:"owner,omitempty"`
	StartTime            *time.Time                `bson:"start_time,omitempty"`
	EndTime              *time.Time                `bson:"end_time,omitempty"`
	Results              map[string][]string       `bson:"results,omitempty"`
	ErrorMessage         string                    `bson:"error_message,omitempty"`
	Bindings             map[string]domain.Value   `bson:"bindings,omitempty"`
}

func toChainDoc(c domain.ProcessChain) chainDoc {
	return chainDoc{
		ID: c.ID, SubmissionID: c.SubmissionID, Sequence: c.Sequence, Executables: c.Executables,
		RequiredCapabilities: c.RequiredCapabilities, Status: c.Status, Owner: c.Owner,
		StartTime: c.StartTime, EndTime: c.EndTime, Results: c.Results,
		ErrorMessage: c.ErrorMessage, Bindings: c.Bindings,
	}
}

func (d chainDoc) toDomain() domain.ProcessChain {
	return domain.ProcessChain{
		ID: d.ID, SubmissionID: d.SubmissionID, Sequence: d.Sequence, Executables: d.Executables,
		RequiredCapabilities: d.RequiredCapabilities, Status: d.Status, Owner: d.Owner,
		StartTime: d.StartTime, EndTime: d.EndTime, Results: d.Results,
		ErrorMessage: d.ErrorMessage, Bindings: d.Bindings,
	}
}

func (s *Store) AddSubmission(ctx context.Context, sub domain.Submission) error {
	_, err := s.submissions.InsertOne(ctx, toSubmissionDoc(sub))

	return wrapErr("AddSubmission", sub.ID, err)
}

func (s *Store) FindSubmissionByID(ctx context.Context, id string) (domain.Submission, error) {
	var doc submissionDoc

	err := s.submissions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return domain.Submission{}, wrapErr("FindSubmissionByID", id, err)
	}

	return doc.toDomain(), nil
}

func (s *Store) FindSubmissionsByStatus(ctx context.Context, status domain.SubmissionStatus) ([]domain.Submission, error) {
	cur, err := s.submissions.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, wrapErr("FindSubmissionsByStatus", "", err)
	}
	defer cur.Close(ctx)

	var out []domain.Submission

	for cur.Next(ctx) {
		var doc submissionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapErr("FindSubmissionsByStatus", "", err)
		}

		out = append(out, doc.toDomain())
	}

	return out, wrapErr("FindSubmissionsByStatus", "", cur.Err())
}

func (s *Store) CountSubmissions(ctx context.Context, status domain.SubmissionStatus) (int, error) {
	n, err := s.submissions.CountDocuments(ctx, bson.M{"status": status})

	return int(n), wrapErr("CountSubmissions", "", err)
}

func (s *Store) SetSubmissionStatus(ctx context.Context, id string, status domain.SubmissionStatus) error {
	return s.updateSubmission(ctx, "SetSubmissionStatus", id, bson.M{"status": status})
}

func (s *Store) SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error {
	return s.updateSubmission(ctx, "SetSubmissionStartTime", id, bson.M{"start_time": t})
}

func (s *Store) SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error {
	return s.updateSubmission(ctx, "SetSubmissionEndTime", id, bson.M{"end_time": t})
}

func (s *Store) SetSubmissionResults(ctx context.Context, id string, results map[string]any) error {
	return s.updateSubmission(ctx, "SetSubmissionResults", id, bson.M{"results": results})
}

func (s *Store) GetSubmissionResults(ctx context.Context, id string) (map[string]any, error) {
	sub, err := s.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return sub.Results, nil
}

func (s *Store) SetSubmissionErrorMessage(ctx context.Context, id string, message string) error {
	return s.updateSubmission(ctx, "SetSubmissionErrorMessage", id, bson.M{"error_message": message})
}

func (s *Store) SetExecutionState(ctx context.Context, id string, state []byte) error {
	return s.updateSubmission(ctx, "SetExecutionState", id, bson.M{"execution_state": state})
}

func (s *Store) GetExecutionState(ctx context.Context, id string) ([]byte, error) {
	sub, err := s.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return sub.ExecutionState, nil
}

func (s *Store) updateSubmission(ctx context.Context, op, id string, set bson.M) error {
	res, err := s.submissions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return wrapErr(op, id, err)
	}

	if res.MatchedCount == 0 {
		return wrapErr(op, id, mongo.ErrNoDocuments)
	}

	return nil
}

func (s *Store) FetchNextSubmission(ctx context.Context, currentStatus, newStatus domain.SubmissionStatus) (domain.Submission, bool, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc submissionDoc

	err := s.submissions.FindOneAndUpdate(ctx,
		bson.M{"status": currentStatus},
		bson.M{"$set": bson.M{"status": newStatus}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Submission{}, false, nil
		}

		return domain.Submission{}, false, wrapErr("FetchNextSubmission", "", err)
	}

	return doc.toDomain(), true, nil
}

func (s *Store) nextChainSequence(ctx context.Context) (int64, error) {
	var result struct {
		Value int64 `bson:"value"`
	}

	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": chainSequenceCounterID},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)
	if err != nil {
		return 0, fmt.Errorf("submissionregistry/mongodb: increment chain sequence: %w", err)
	}

	return result.Value, nil
}

func (s *Store) AddProcessChains(ctx context.Context, submissionID string, chains []domain.ProcessChain) ([]domain.ProcessChain, error) {
	if _, err := s.FindSubmissionByID(ctx, submissionID); err != nil {
		return nil, err
	}

	out := make([]domain.ProcessChain, len(chains))

	for i, c := range chains {
		c.SubmissionID = submissionID

		seq, err := s.nextChainSequence(ctx)
		if err != nil {
			return nil, err
		}

		c.Sequence = seq

		if c.ID == "" {
			c.ID = fmt.Sprintf("pc-%d", seq)
		}

		if _, err := s.chains.InsertOne(ctx, toChainDoc(c)); err != nil {
			return nil, wrapErr("AddProcessChains", submissionID, err)
		}

		out[i] = c
	}

	return out, nil
}

func (s *Store) FindProcessChainsBySubmissionID(ctx context.Context, submissionID string) ([]domain.ProcessChain, error) {
	return s.queryChains(ctx, "FindProcessChainsBySubmissionID", bson.M{"submission_id": submissionID})
}

func (s *Store) FindProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) ([]domain.ProcessChain, error) {
	return s.queryChains(ctx, "FindProcessChainsByStatus", bson.M{"status": status})
}

func (s *Store) queryChains(ctx context.Context, op string, filter bson.M) ([]domain.ProcessChain, error) {
	cur, err := s.chains.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, wrapErr(op, "", err)
	}
	defer cur.Close(ctx)

	var out []domain.ProcessChain

	for cur.Next(ctx) {
		var doc chainDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapErr(op, "", err)
		}

		out = append(out, doc.toDomain())
	}

	return out, wrapErr(op, "", cur.Err())
}

func (s *Store) CountProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) (int, error) {
	n, err := s.chains.CountDocuments(ctx, bson.M{"status": status})

	return int(n), wrapErr("CountProcessChainsByStatus", "", err)
}

func (s *Store) FetchNextProcessChain(
	ctx context.Context,
	currentStatus, newStatus domain.ProcessChainStatus,
	requiredCapabilities []string,
) (domain.ProcessChain, bool, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "sequence", Value: 1}}).
		SetReturnDocument(options.After)

	sorted := domain.SortedCapabilities(requiredCapabilities)

	var doc chainDoc

	err := s.chains.FindOneAndUpdate(ctx,
		bson.M{
			"status":               currentStatus,
			"required_capabilities": bson.M{"$size": len(sorted), "$all": sorted},
		},
		bson.M{"$set": bson.M{"status": newStatus}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ProcessChain{}, false, nil
		}

		return domain.ProcessChain{}, false, wrapErr("FetchNextProcessChain", "", err)
	}

	return doc.toDomain(), true, nil
}

func (s *Store) SetProcessChainStatus(ctx context.Context, id string, status domain.ProcessChainStatus) error {
	return s.updateChain(ctx, "SetProcessChainStatus", id, bson.M{"status": status})
}

func (s *Store) CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, next domain.ProcessChainStatus) (bool, error) {
	res, err := s.chains.UpdateOne(ctx,
		bson.M{"_id": id, "status": expected},
		bson.M{"$set": bson.M{"status": next}},
	)
	if err != nil {
		return false, wrapErr("CompareAndSwapProcessChainStatus", id, err)
	}

	return res.ModifiedCount == 1, nil
}

func (s *Store) SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, next domain.ProcessChainStatus) (int, error) {
	res, err := s.chains.UpdateMany(ctx,
		bson.M{"submission_id": submissionID, "status": expected},
		bson.M{"$set": bson.M{"status": next}},
	)
	if err != nil {
		return 0, wrapErr("SetAllProcessChainStatusBySubmission", submissionID, err)
	}

	return int(res.ModifiedCount), nil
}

func (s *Store) SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error {
	return s.updateChain(ctx, "SetProcessChainStartTime", id, bson.M{"start_time": t})
}

func (s *Store) SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error {
	return s.updateChain(ctx, "SetProcessChainEndTime", id, bson.M{"end_time": t})
}

func (s *Store) SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error {
	return s.updateChain(ctx, "SetProcessChainResults", id, bson.M{"results": results})
}

func (s *Store) GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error) {
	var doc chainDoc

	err := s.chains.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return nil, wrapErr("GetProcessChainResults", id, err)
	}

	return doc.Results, nil
}

func (s *Store) SetProcessChainErrorMessage(ctx context.Context, id string, message string) error {
	return s.updateChain(ctx, "SetProcessChainErrorMessage", id, bson.M{"error_message": message})
}

func (s *Store) SetProcessChainOwner(ctx context.Context, id string, owner string) error {
	return s.updateChain(ctx, "SetProcessChainOwner", id, bson.M{"owner": owner})
}

func (s *Store) updateChain(ctx context.Context, op, id string, set bson.M) error {
	res, err := s.chains.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return wrapErr(op, id, err)
	}

	if res.MatchedCount == 0 {
		return wrapErr(op, id, mongo.ErrNoDocuments)
	}

	return nil
}
