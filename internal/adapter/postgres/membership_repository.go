package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type MembershipRepo struct {
	pool *pgxpool.Pool
}

var _ domain.MembershipRepository = (*MembershipRepo)(nil)

func NewMembershipRepo(pool *pgxpool.Pool) *MembershipRepo {
	return &MembershipRepo{pool: pool}
}

const getServerQuery = `SELECT id, name, creator_id, created_at FROM servers WHERE id = $1`

const listChannelsQuery = `
SELECT id, server_id, name, private
FROM channels
WHERE server_id = ANY($1)
ORDER BY server_id, position, id`

const getMemberQuery = `
SELECT server_id, user_id, admin, role_ids, joined_at
FROM server_members
WHERE server_id = $1 AND user_id = $2`

const listUserMembershipsQuery = `
SELECT s.id, s.name, s.creator_id, s.created_at,
       m.server_id, m.user_id, m.admin, m.role_ids, m.joined_at
FROM server_members m
JOIN servers s ON s.id = m.server_id
WHERE m.user_id = $1
ORDER BY m.joined_at, s.id`

const insertMemberQuery = `
INSERT INTO server_members (server_id, user_id)
VALUES ($1, $2)
RETURNING server_id, user_id, admin, role_ids, joined_at`

const deleteMemberQuery = `DELETE FROM server_members WHERE server_id = $1 AND user_id = $2`

const updateMemberRolesQuery = `
UPDATE server_members SET role_ids = $3
WHERE server_id = $1 AND user_id = $2
RETURNING server_id, user_id, admin, role_ids, joined_at`

func scanMember(row pgx.Row) (*domain.Member, error) {
	var m domain.Member
	if err := row.Scan(&m.ServerID, &m.UserID, &m.Admin, &m.RoleIDs, &m.JoinedAt); err != nil {
		return nil, err
	}
	if m.RoleIDs == nil {
		m.RoleIDs = []string{}
	}
	return &m, nil
}

func (r *MembershipRepo) Server(ctx context.Context, serverID string) (*domain.Server, error) {
	var s domain.Server
	err := r.pool.QueryRow(ctx, getServerQuery, serverID).Scan(&s.ID, &s.Name, &s.CreatorID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}

	channels, err := r.channelsByServer(ctx, []string{serverID})
	if err != nil {
		return nil, err
	}
	s.Channels = channels[serverID]
	return &s, nil
}

func (r *MembershipRepo) Membership(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	server, err := r.Server(ctx, serverID)
	if err != nil {
		return nil, err
	}

	member, err := scanMember(r.pool.QueryRow(ctx, getMemberQuery, serverID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return &domain.Membership{Server: *server, Member: *member}, nil
}

func (r *MembershipRepo) MembershipsForUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	rows, err := r.pool.Query(ctx, listUserMembershipsQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		var ms domain.Membership
		if err := rows.Scan(
			&ms.Server.ID, &ms.Server.Name, &ms.Server.CreatorID, &ms.Server.CreatedAt,
			&ms.Member.ServerID, &ms.Member.UserID, &ms.Member.Admin, &ms.Member.RoleIDs, &ms.Member.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		if ms.Member.RoleIDs == nil {
			ms.Member.RoleIDs = []string{}
		}
		memberships = append(memberships, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}

	serverIDs := make([]string, len(memberships))
	for i, ms := range memberships {
		serverIDs[i] = ms.Server.ID
	}
	channels, err := r.channelsByServer(ctx, serverIDs)
	if err != nil {
		return nil, err
	}
	for i := range memberships {
		memberships[i].Server.Channels = channels[memberships[i].Server.ID]
	}

	return memberships, nil
}

func (r *MembershipRepo) AddMember(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	server, err := r.Server(ctx, serverID)
	if err != nil {
		return nil, err
	}

	member, err := scanMember(r.pool.QueryRow(ctx, insertMemberQuery, serverID, userID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	return &domain.Membership{Server: *server, Member: *member}, nil
}

func (r *MembershipRepo) RemoveMember(ctx context.Context, serverID, userID string) error {
	tag, err := r.pool.Exec(ctx, deleteMemberQuery, serverID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *MembershipRepo) SetMemberRoles(ctx context.Context, serverID, userID string, roleIDs []string) (*domain.Member, error) {
	if roleIDs == nil {
		roleIDs = []string{}
	}
	member, err := scanMember(r.pool.QueryRow(ctx, updateMemberRolesQuery, serverID, userID, roleIDs))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update member roles: %w", err)
	}
	return member, nil
}

func (r *MembershipRepo) channelsByServer(ctx context.Context, serverIDs []string) (map[string][]domain.Channel, error) {
	out := make(map[string][]domain.Channel, len(serverIDs))
	if len(serverIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, listChannelsQuery, serverIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Private); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out[ch.ServerID] = append(out[ch.ServerID], ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channels: %w", err)
	}
	return out, nil
}
