package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taxon/api/internal/auth"
	"taxon/api/internal/authority"
	"taxon/api/internal/authpw"
	"taxon/api/internal/config"
	"taxon/api/internal/email"
	"taxon/api/internal/search"
	"taxon/api/internal/store"
	"taxon/api/internal/upload"
	"taxon/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	Rank         authority.Rank
	JTI          string
	ExpiresAt    time.Time
}

// RequestCard is the list projection of a change request.
type RequestCard struct {
	ID             int64     `json:"id"`
	TagID          int64     `json:"tagId"`
	TagName        string    `json:"tagName"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	SubmitterID    int64     `json:"submitterId"`
	SubmitterName  string    `json:"submitterName"`
	TransactorName string    `json:"transactorName,omitempty"`
	NewParentID    *int64    `json:"newParentId,omitempty"`
	NewName        string    `json:"newName,omitempty"`
	NewIntro       string    `json:"newIntro,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RequestOutcome reports the request state after a submit, resolve, or cancel.
type RequestOutcome struct {
	RequestID int64  `json:"requestId"`
	Status    string `json:"status"`
}

// TagNode is one node of the catalog tree payload.
type TagNode struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Intro    string     `json:"intro"`
	Children []*TagNode `json:"children"`
}

type dataStore interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
	GetTag(ctx context.Context, id int64) (store.Tag, error)
	ListChildTags(ctx context.Context, parentID int64) ([]store.Tag, error)
	ListAllTags(ctx context.Context) ([]store.Tag, error)
	ListRequestsByTag(ctx context.Context, tagID int64) ([]store.ChangeRequestRow, error)
	ListRequestsByTagSubtree(ctx context.Context, tagID int64) ([]store.ChangeRequestRow, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	InsertFeedback(ctx context.Context, item store.Feedback) (int64, error)
	ListFeedback(ctx context.Context) ([]store.Feedback, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service

	authpwSvc *authpw.Service
	emailSvc  *email.Service
	uploadSvc *upload.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchService,
	}
}

// NewWithSessionStore uses a dedicated refresh-token backend (Redis) instead
// of the Postgres fallback.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
	}
}

func (s *Service) SetAuthServices(authSvc *authpw.Service, emailSvc *email.Service) {
	s.authpwSvc = authSvc
	s.emailSvc = emailSvc
}

func (s *Service) SetUploadService(uploadSvc *upload.Service) {
	s.uploadSvc = uploadSvc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpwSvc
}

func (s *Service) EmailService() *email.Service {
	return s.emailSvc
}

func (s *Service) UploadService() *upload.Service {
	return s.uploadSvc
}

func (s *Service) SMTPConfigured() bool {
	return s.emailSvc != nil && s.emailSvc.IsConfigured()
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Change request workflow

func (s *Service) SubmitMove(ctx context.Context, session Session, tagID, newParentID int64) (*RequestOutcome, error) {
	if newParentID == tagID {
		return nil, validationError("tag cannot be its own parent")
	}
	return s.submit(ctx, session, tagID, store.MovePayload{NewParentID: newParentID})
}

func (s *Service) SubmitRename(ctx context.Context, session Session, tagID int64, newName string) (*RequestOutcome, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, validationError("newName is required")
	}
	return s.submit(ctx, session, tagID, store.RenamePayload{NewName: newName})
}

func (s *Service) SubmitSetIntro(ctx context.Context, session Session, tagID int64, newIntro string) (*RequestOutcome, error) {
	return s.submit(ctx, session, tagID, store.SetIntroPayload{NewIntro: newIntro})
}

// submit records a PENDING request against an existing tag. A submitter at
// tag-admin rank or above resolves their own request to ACCEPTED inside the
// same transaction, so the mutation and both status writes land atomically.
func (s *Service) submit(ctx context.Context, session Session, tagID int64, payload store.RequestPayload) (*RequestOutcome, error) {
	var outcome RequestOutcome
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetTag(ctx, tagID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("tag not found")
			}
			return err
		}
		submitter, err := tx.GetUser(ctx, session.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("submitter not found")
			}
			return err
		}

		request := store.ChangeRequest{
			TagID:       tagID,
			SubmitterID: submitter.ID,
			Status:      store.StatusPending,
			Payload:     payload,
		}
		requestID, err := tx.InsertChangeRequest(ctx, request)
		if err != nil {
			return err
		}
		outcome = RequestOutcome{RequestID: requestID, Status: string(store.StatusPending)}

		if !authority.IsTagAdminOrHigher(authority.Normalize(submitter.Rank)) {
			return nil
		}

		transactorID := submitter.ID
		if err := tx.UpdateChangeRequestStatus(ctx, requestID, store.StatusAccepted, &transactorID); err != nil {
			return err
		}
		if err := applyPayload(ctx, tx, tagID, payload); err != nil {
			return err
		}
		outcome.Status = string(store.StatusAccepted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Status == string(store.StatusAccepted) {
		s.reindexTag(ctx, tagID)
	}
	return &outcome, nil
}

// ResolveRequest moves a PENDING request to ACCEPTED or REJECTED and, on
// acceptance, applies the requested mutation to the tag. The resolving user
// becomes the transactor.
func (s *Service) ResolveRequest(ctx context.Context, session Session, requestID int64, outcome string) (*RequestOutcome, error) {
	status := store.RequestStatus(outcome)
	if status != store.StatusAccepted && status != store.StatusRejected {
		return nil, validationError("outcome must be ACCEPTED or REJECTED")
	}
	if !authority.IsTagAdminOrHigher(session.Rank) {
		return nil, forbiddenError("resolving requests requires tag-admin rank")
	}

	var tagID int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		request, err := tx.GetChangeRequestForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("request not found")
			}
			return err
		}
		if request.Status != store.StatusPending {
			return conflictError("REQUEST_ALREADY_RESOLVED",
				fmt.Sprintf("request is already %s", request.Status), nil)
		}

		transactorID := session.UserID
		if err := tx.UpdateChangeRequestStatus(ctx, requestID, status, &transactorID); err != nil {
			return err
		}
		if status == store.StatusAccepted {
			if err := applyPayload(ctx, tx, request.TagID, request.Payload); err != nil {
				return err
			}
		}
		tagID = request.TagID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status == store.StatusAccepted {
		s.reindexTag(ctx, tagID)
	}
	return &RequestOutcome{RequestID: requestID, Status: string(status)}, nil
}

// CancelRequest sets a request to CANCELED. Only the submitter may cancel.
// There is no pending-state precondition; canceling an already resolved
// request overwrites its status.
func (s *Service) CancelRequest(ctx context.Context, session Session, requestID int64) (*RequestOutcome, error) {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		request, err := tx.GetChangeRequestForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("request not found")
			}
			return err
		}
		if request.SubmitterID != session.UserID {
			return forbiddenError("only the submitter can cancel a request")
		}
		return tx.UpdateChangeRequestStatus(ctx, requestID, store.StatusCanceled, request.TransactorID)
	})
	if err != nil {
		return nil, err
	}
	return &RequestOutcome{RequestID: requestID, Status: string(store.StatusCanceled)}, nil
}

// applyPayload performs the tag mutation a request describes. The target tag
// row is locked before writing.
func applyPayload(ctx context.Context, tx store.Tx, tagID int64, payload store.RequestPayload) error {
	switch p := payload.(type) {
	case store.MovePayload:
		if _, err := tx.GetTag(ctx, p.NewParentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("new parent tag not found")
			}
			return err
		}
		if _, err := tx.GetTagForUpdate(ctx, tagID); err != nil {
			return err
		}
		return tx.UpdateTagParent(ctx, tagID, p.NewParentID)
	case store.RenamePayload:
		if _, err := tx.GetTagForUpdate(ctx, tagID); err != nil {
			return err
		}
		return tx.UpdateTagName(ctx, tagID, p.NewName)
	case store.SetIntroPayload:
		if _, err := tx.GetTagForUpdate(ctx, tagID); err != nil {
			return err
		}
		return tx.UpdateTagIntro(ctx, tagID, p.NewIntro)
	default:
		return fmt.Errorf("unknown request payload %T", payload)
	}
}

func (s *Service) RequestsOfTag(ctx context.Context, tagID int64) ([]RequestCard, error) {
	if _, err := s.store.GetTag(ctx, tagID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListRequestsByTag(ctx, tagID)
	if err != nil {
		return nil, err
	}
	return cardsFromRows(rows), nil
}

func (s *Service) RequestsOfTagSubtree(ctx context.Context, tagID int64) ([]RequestCard, error) {
	if _, err := s.store.GetTag(ctx, tagID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListRequestsByTagSubtree(ctx, tagID)
	if err != nil {
		return nil, err
	}
	return cardsFromRows(rows), nil
}

func cardsFromRows(rows []store.ChangeRequestRow) []RequestCard {
	cards := make([]RequestCard, 0, len(rows))
	for _, row := range rows {
		card := RequestCard{
			ID:             row.ID,
			TagID:          row.TagID,
			TagName:        row.TagName,
			Type:           string(row.Type()),
			Status:         string(row.Status),
			SubmitterID:    row.SubmitterID,
			SubmitterName:  row.SubmitterName,
			TransactorName: row.TransactorName,
			CreatedAt:      row.CreatedAt,
		}
		switch p := row.Payload.(type) {
		case store.MovePayload:
			newParentID := p.NewParentID
			card.NewParentID = &newParentID
		case store.RenamePayload:
			card.NewName = p.NewName
		case store.SetIntroPayload:
			card.NewIntro = p.NewIntro
		}
		cards = append(cards, card)
	}
	return cards
}

// Tags

// CreateTag creates a tag directly, outside the request workflow. The sibling
// name must be unused; an empty intro gets a generated default.
func (s *Service) CreateTag(ctx context.Context, session Session, name string, parentID int64, intro string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, validationError("name is required")
	}
	if parentID <= 0 {
		return 0, validationError("parentId is required")
	}
	if strings.TrimSpace(intro) == "" {
		intro = fmt.Sprintf("Ah, %s!", name)
	}

	var tagID int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetTag(ctx, parentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundError("parent tag not found")
			}
			return err
		}
		existing, err := tx.TagByNameAndParent(ctx, name, parentID)
		if err != nil {
			return err
		}
		if existing != nil {
			return conflictError("TAG_NAME_TAKEN", "a sibling tag with this name already exists",
				map[string]any{"existingTagId": existing.ID})
		}
		id, err := tx.InsertTag(ctx, store.Tag{Name: name, ParentID: &parentID, Intro: intro})
		if err != nil {
			return err
		}
		tagID = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.reindexTag(ctx, tagID)
	return tagID, nil
}

// GetTagView returns one tag with its direct children.
func (s *Service) GetTagView(ctx context.Context, tagID int64) (map[string]any, error) {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildTags(ctx, tagID)
	if err != nil {
		return nil, err
	}

	childPayloads := make([]map[string]any, 0, len(children))
	for _, child := range children {
		childPayloads = append(childPayloads, tagPayload(child))
	}
	return map[string]any{
		"tag":      tagPayload(tag),
		"children": childPayloads,
	}, nil
}

func tagPayload(tag store.Tag) map[string]any {
	return map[string]any{
		"id":        tag.ID,
		"name":      tag.Name,
		"parentId":  tag.ParentID,
		"intro":     tag.Intro,
		"updatedAt": tag.UpdatedAt,
	}
}

// TagTree returns the subtree rooted at tagID with children sorted by name.
func (s *Service) TagTree(ctx context.Context, tagID int64) (*TagNode, error) {
	if _, err := s.store.GetTag(ctx, tagID); err != nil {
		return nil, err
	}
	tags, err := s.store.ListAllTags(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*TagNode, len(tags))
	for _, tag := range tags {
		nodes[tag.ID] = &TagNode{ID: tag.ID, Name: tag.Name, Intro: tag.Intro, Children: []*TagNode{}}
	}
	for _, tag := range tags {
		if tag.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*tag.ParentID]; ok {
			parent.Children = append(parent.Children, nodes[tag.ID])
		}
	}
	for _, node := range nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Name < node.Children[j].Name
		})
	}
	return nodes[tagID], nil
}

func (s *Service) reindexTag(ctx context.Context, tagID int64) {
	if s.search == nil {
		return
	}
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return
	}
	s.search.IndexTag(search.TagRecord{
		ID:       tag.ID,
		Name:     tag.Name,
		Intro:    tag.Intro,
		ParentID: tag.ParentID,
	})
}

// Search runs a full-text query over the tag catalog.
func (s *Service) Search(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset}), nil
}

// Feedback

func (s *Service) SubmitFeedback(ctx context.Context, content, name, emailAddr, ip string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, validationError("content is required")
	}
	return s.store.InsertFeedback(ctx, store.Feedback{
		Content: content,
		Name:    strings.TrimSpace(name),
		Email:   strings.TrimSpace(emailAddr),
		IP:      ip,
	})
}

func (s *Service) ListFeedback(ctx context.Context, session Session) ([]store.Feedback, error) {
	if !authority.IsTagAdminOrHigher(session.Rank) {
		return nil, forbiddenError("listing feedback requires tag-admin rank")
	}
	return s.store.ListFeedback(ctx)
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID int64) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Rank: user.Rank,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Rank:         authority.Normalize(user.Rank),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Rank:      authority.Normalize(user.Rank),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}
