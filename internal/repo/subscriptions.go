package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentline/internal/domain"
)

// SubscriptionStore persists bus subscriptions so they survive restarts.
type SubscriptionStore struct {
	Repo Repo
}

func (s SubscriptionStore) SaveSubscription(ctx context.Context, sub domain.EventSubscription) error {
	types, err := encodeStrings(sub.EventTypes)
	if err != nil {
		return err
	}
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return err
	}
	_, err = s.Repo.DB.ExecContext(ctx, `INSERT INTO subscriptions(id,agent_id,agent_name,event_types_json,exclude_self,one_shot,wait_group_id,priority,filter_json,seq,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET event_types_json=excluded.event_types_json, priority=excluded.priority, filter_json=excluded.filter_json`,
		sub.ID, sub.AgentID, sub.AgentName, types, boolInt(sub.ExcludeSelf), boolInt(sub.OneShot), nullableStringPtr(sub.WaitGroupID),
		sub.Priority, string(filter), sub.Seq, sub.CreatedAt)
	return err
}

func (s SubscriptionStore) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.Repo.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	return err
}

func (s SubscriptionStore) ListSubscriptions(ctx context.Context) ([]domain.EventSubscription, error) {
	rows, err := s.Repo.DB.QueryContext(ctx, `SELECT id,agent_id,agent_name,event_types_json,exclude_self,one_shot,wait_group_id,priority,filter_json,seq,created_at
FROM subscriptions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventSubscription
	for rows.Next() {
		var sub domain.EventSubscription
		var types, group, filter sql.NullString
		var excludeSelf, oneShot int
		if err := rows.Scan(&sub.ID, &sub.AgentID, &sub.AgentName, &types, &excludeSelf, &oneShot, &group, &sub.Priority, &filter, &sub.Seq, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.ExcludeSelf = excludeSelf != 0
		sub.OneShot = oneShot != 0
		sub.WaitGroupID = stringPtr(group)
		if sub.EventTypes, err = decodeStrings(types); err != nil {
			return nil, err
		}
		if filter.Valid && filter.String != "" {
			if err := json.Unmarshal([]byte(filter.String), &sub.Filter); err != nil {
				return nil, err
			}
		}
		res = append(res, sub)
	}
	return res, rows.Err()
}
