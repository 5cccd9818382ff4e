package notifications

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const priorityRankSQL = `CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

// ListOptions pages the visible feed of one recipient.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Stats counts rows by shape for one recipient or for the whole store.
type Stats struct {
	LiveParents      int64 `json:"live_parents"`
	ActiveChildren   int64 `json:"active_children"`
	UnreadStandalone int64 `json:"unread_standalone"`
	Unread           int64 `json:"unread"`
}

type NotificationRepo interface {
	Create(dbc dbctx.Context, rows []*types.Notification) ([]*types.Notification, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Notification, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Notification, error)
	LockByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Notification, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	ListCandidates(dbc dbctx.Context, recipient types.RecipientRef, kinds []string) ([]*types.Notification, error)
	FindLiveParent(dbc dbctx.Context, recipient types.RecipientRef, groupingKey string, lock bool) (*types.Notification, error)
	ListLiveParents(dbc dbctx.Context, recipient types.RecipientRef) ([]*types.Notification, error)
	FilterLiveParentIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	ListActiveChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Notification, error)
	CountActiveChildren(dbc dbctx.Context, parentID uuid.UUID) (int64, error)
	ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Notification, error)

	LinkChildren(dbc dbctx.Context, parentID uuid.UUID, groupingKey string, ids []uuid.UUID, now time.Time) (int64, error)
	ArchiveIfOrphan(dbc dbctx.Context, parentID uuid.UUID, now time.Time) (bool, error)
	SetReadState(dbc dbctx.Context, ids []uuid.UUID, to types.ReadState, now time.Time) (int64, error)
	SetActiveChildrenReadState(dbc dbctx.Context, parentID uuid.UUID, to types.ReadState, now time.Time) (int64, error)

	ListVisible(dbc dbctx.Context, recipient types.RecipientRef, opts ListOptions) ([]*types.Notification, error)
	ListRecipientsWithUnread(dbc dbctx.Context, after *types.RecipientRef, limit int) ([]types.RecipientRef, error)
	Stats(dbc dbctx.Context, recipient *types.RecipientRef) (Stats, error)
}

type notificationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNotificationRepo(db *gorm.DB, baseLog *logger.Logger) NotificationRepo {
	return &notificationRepo{
		db:  db,
		log: baseLog.With("repo", "NotificationRepo"),
	}
}

func (r *notificationRepo) Create(dbc dbctx.Context, rows []*types.Notification) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.Notification{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *notificationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var out types.Notification
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *notificationRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LockByIDs reads rows FOR UPDATE in id order so concurrent lockers queue
// instead of deadlocking.
func (r *notificationRepo) LockByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *notificationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListCandidates returns the unread non-parent notifications of kinds for a recipient.
// Children are included so a rerun sees the whole bucket.
func (r *notificationRepo) ListCandidates(dbc dbctx.Context, recipient types.RecipientRef, kinds []string) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if !recipient.Valid() || len(kinds) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("recipient_id = ? AND recipient_kind = ?", recipient.ID, recipient.Kind).
		Where("read_state = ? AND role IN ?", types.ReadStateUnread, []types.Role{types.RoleStandalone, types.RoleChild}).
		Where("kind IN ?", kinds).
		Order("created_at DESC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *notificationRepo) FindLiveParent(dbc dbctx.Context, recipient types.RecipientRef, groupingKey string, lock bool) (*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if !recipient.Valid() || groupingKey == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out types.Notification
	if err := q.
		Where("recipient_id = ? AND recipient_kind = ? AND grouping_key = ?", recipient.ID, recipient.Kind, groupingKey).
		Where("role = ? AND read_state = ?", types.RoleParent, types.ReadStateUnread).
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *notificationRepo) ListLiveParents(dbc dbctx.Context, recipient types.RecipientRef) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if !recipient.Valid() {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("recipient_id = ? AND recipient_kind = ?", recipient.ID, recipient.Kind).
		Where("role = ? AND read_state = ?", types.RoleParent, types.ReadStateUnread).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *notificationRepo) FilterLiveParentIDs(dbc dbctx.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := map[uuid.UUID]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	var live []uuid.UUID
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("id IN ? AND role = ? AND read_state = ?", ids, types.RoleParent, types.ReadStateUnread).
		Pluck("id", &live).Error; err != nil {
		return nil, err
	}
	for _, id := range live {
		out[id] = true
	}
	return out, nil
}

func (r *notificationRepo) ListActiveChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if parentID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("parent_ref = ? AND role = ? AND read_state = ?", parentID, types.RoleChild, types.ReadStateUnread).
		Order("created_at DESC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *notificationRepo) CountActiveChildren(dbc dbctx.Context, parentID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil {
		return 0, nil
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("parent_ref = ? AND role = ? AND read_state = ?", parentID, types.RoleChild, types.ReadStateUnread).
		Count(&n).Error
	return n, err
}

// ListChildren returns every child of parentID regardless of read state.
func (r *notificationRepo) ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if parentID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("parent_ref = ? AND role = ?", parentID, types.RoleChild).
		Order("created_at DESC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LinkChildren attaches ids under parentID and hides them. Parents and rows
// that left unread are never touched; the caller compares the row count.
func (r *notificationRepo) LinkChildren(dbc dbctx.Context, parentID uuid.UUID, groupingKey string, ids []uuid.UUID, now time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil || len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("id IN ? AND role <> ? AND read_state = ?", ids, types.RoleParent, types.ReadStateUnread).
		Updates(map[string]interface{}{
			"role":         types.RoleChild,
			"parent_ref":   parentID,
			"grouping_key": groupingKey,
			"visible":      false,
			"updated_at":   now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// ArchiveIfOrphan archives parentID only while it is live and no unread child
// points at it. The check and the write are one statement.
func (r *notificationRepo) ArchiveIfOrphan(dbc dbctx.Context, parentID uuid.UUID, now time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("id = ? AND role = ? AND read_state = ?", parentID, types.RoleParent, types.ReadStateUnread).
		Where(`NOT EXISTS (
        SELECT 1 FROM notification c
        WHERE c.parent_ref = notification.id AND c.role = ? AND c.read_state = ?
      )`, types.RoleChild, types.ReadStateUnread).
		Updates(map[string]interface{}{
			"read_state":     types.ReadStateArchived,
			"children_count": 0,
			"updated_at":     now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetReadState moves unread rows in ids to state to.
func (r *notificationRepo) SetReadState(dbc dbctx.Context, ids []uuid.UUID, to types.ReadState, now time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("id IN ? AND read_state = ?", ids, types.ReadStateUnread).
		Updates(map[string]interface{}{
			"read_state": to,
			"updated_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *notificationRepo) SetActiveChildrenReadState(dbc dbctx.Context, parentID uuid.UUID, to types.ReadState, now time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Where("parent_ref = ? AND role = ? AND read_state = ?", parentID, types.RoleChild, types.ReadStateUnread).
		Updates(map[string]interface{}{
			"read_state": to,
			"updated_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// ListVisible returns the recipient's feed: parents and standalones, highest
// priority first, then most recently touched.
func (r *notificationRepo) ListVisible(dbc dbctx.Context, recipient types.RecipientRef, opts ListOptions) ([]*types.Notification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Notification
	if !recipient.Valid() {
		return out, nil
	}
	states := []types.ReadState{types.ReadStateUnread, types.ReadStateRead}
	if opts.UnreadOnly {
		states = []types.ReadState{types.ReadStateUnread}
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("recipient_id = ? AND recipient_kind = ?", recipient.ID, recipient.Kind).
		Where("visible = ? AND role <> ? AND read_state IN ?", true, types.RoleChild, states).
		Order(priorityRankSQL + " DESC").
		Order("created_at DESC").
		Order("id ASC").
		Limit(limit)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecipientsWithUnread pages distinct recipients holding unread rows in
// (kind, id) order, starting strictly after the cursor.
func (r *notificationRepo) ListRecipientsWithUnread(dbc dbctx.Context, after *types.RecipientRef, limit int) ([]types.RecipientRef, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 200
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Distinct("recipient_kind", "recipient_id").
		Where("read_state = ?", types.ReadStateUnread)
	if after != nil && after.Valid() {
		q = q.Where("((recipient_kind > ?) OR (recipient_kind = ? AND recipient_id > ?))", after.Kind, after.Kind, after.ID)
	}
	var rows []struct {
		RecipientKind string
		RecipientID   uuid.UUID
	}
	if err := q.
		Order("recipient_kind ASC").
		Order("recipient_id ASC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.RecipientRef, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.RecipientRef{ID: row.RecipientID, Kind: row.RecipientKind})
	}
	return out, nil
}

func (r *notificationRepo) Stats(dbc dbctx.Context, recipient *types.RecipientRef) (Stats, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Role string
		N    int64
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Notification{}).
		Select("role, COUNT(*) AS n").
		Where("read_state = ?", types.ReadStateUnread)
	if recipient != nil && recipient.Valid() {
		q = q.Where("recipient_id = ? AND recipient_kind = ?", recipient.ID, recipient.Kind)
	}
	if err := q.Group("role").Scan(&rows).Error; err != nil {
		return Stats{}, err
	}
	var out Stats
	for _, row := range rows {
		switch types.Role(row.Role) {
		case types.RoleParent:
			out.LiveParents = row.N
		case types.RoleChild:
			out.ActiveChildren = row.N
		case types.RoleStandalone:
			out.UnreadStandalone = row.N
		}
		out.Unread += row.N
	}
	return out, nil
}
