package keychain

import (
	"context"
	"database/sql"

	"walletwatch-backend/services/keychain/db"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("services/keychain")

// Service stores external-site credentials sealed at rest. the refresh
// pipeline is the only consumer; plaintext exists transiently in
// memory while a scrape runs.
type Service struct {
	qry *db.Queries
	key sealKey
}

func NewService(database *sql.DB, base64Key string) (Service, error) {
	key, err := parseKey(base64Key)
	if err != nil {
		return Service{}, err
	}
	return Service{
		qry: db.New(database),
		key: key,
	}, nil
}

type UsernamePasswordKey struct {
	Username string
	Password string
}

func (s Service) SetUsernamePassword(ctx context.Context, namespace, id string, key UsernamePasswordKey) error {
	ctx, span := tracer.Start(ctx, "SetUsernamePassword")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.String("id", id),
	)

	sealedUsername, err := s.key.seal([]byte(key.Username))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to seal username")
		return err
	}
	sealedPassword, err := s.key.seal([]byte(key.Password))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to seal password")
		return err
	}

	err = s.qry.CreateUsernamePassword(ctx, db.CreateUsernamePasswordParams{
		Namespace: namespace,
		ID:        id,
		Username:  sealedUsername,
		Password:  sealedPassword,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store credential")
		return err
	}
	return nil
}

// GetUsernamePassword returns nil when no credential is stored, which
// callers treat as "credential not provided" rather than a failure.
func (s Service) GetUsernamePassword(ctx context.Context, namespace, id string) (*UsernamePasswordKey, error) {
	ctx, span := tracer.Start(ctx, "GetUsernamePassword")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.String("id", id),
	)

	row, err := s.qry.GetUsernamePassword(ctx, db.GetUsernamePasswordParams{
		Namespace: namespace,
		ID:        id,
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read credential")
		return nil, err
	}

	username, err := s.key.open(row.Username)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open sealed username")
		return nil, err
	}
	password, err := s.key.open(row.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open sealed password")
		return nil, err
	}

	return &UsernamePasswordKey{
		Username: string(username),
		Password: string(password),
	}, nil
}

func (s Service) DeleteUsernamePassword(ctx context.Context, namespace, id string) error {
	return s.qry.DeleteUsernamePassword(ctx, db.DeleteUsernamePasswordParams{
		Namespace: namespace,
		ID:        id,
	})
}
