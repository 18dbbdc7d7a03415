package postgres

import "github.com/swarm-dev/swarm/internal/storage/migrations"

const schemaV1 = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK (length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'draft',
    priority INTEGER NOT NULL DEFAULT 2 CHECK (priority >= 0 AND priority <= 4),
    assignee_id TEXT,
    assignee_type TEXT CHECK (assignee_type IN ('agent', 'human')),
    reserved_for TEXT,
    parent_ticket_id TEXT REFERENCES tickets(id),
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    retry_after TIMESTAMPTZ,
    sentinel_feedback JSONB,
    hold_reason TEXT NOT NULL DEFAULT '',
    acceptance_criteria JSONB NOT NULL DEFAULT '[]',
    criteria_status JSONB NOT NULL DEFAULT '[]',
    max_review_attempts INTEGER NOT NULL DEFAULT 3,
    pr_ref TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    error_category TEXT NOT NULL DEFAULT '',
    error_subcategory TEXT NOT NULL DEFAULT '',
    last_heartbeat TIMESTAMPTZ,
    ready_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    closed_at TIMESTAMPTZ,
    CHECK ((assignee_id IS NOT NULL) = (state IN ('assigned', 'in_progress', 'in_review')))
);

CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_ticket_id);

CREATE TABLE IF NOT EXISTS ticket_dependencies (
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    depends_on_id TEXT NOT NULL REFERENCES tickets(id),
    created_at TIMESTAMPTZ NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (ticket_id, depends_on_id),
    CHECK (ticket_id <> depends_on_id)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON ticket_dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS reviews (
    id BIGSERIAL PRIMARY KEY,
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    reviewer TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL CHECK (decision IN ('approve', 'request_changes', 'reject')),
    score INTEGER NOT NULL DEFAULT 0,
    issues JSONB NOT NULL DEFAULT '[]',
    criteria_verification JSONB NOT NULL DEFAULT '[]',
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_ticket ON reviews(ticket_id);

CREATE TABLE IF NOT EXISTS ticket_events (
    id BIGSERIAL PRIMARY KEY,
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ticket_events_ticket ON ticket_events(ticket_id);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_tickets_claim ON tickets(retry_count, priority, ready_at) WHERE state = 'ready';
CREATE INDEX IF NOT EXISTS idx_tickets_heartbeat ON tickets(last_heartbeat) WHERE state IN ('assigned', 'in_progress');
`

func migrationManager() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "tickets, dependencies, reviews and events",
			Up:          schemaV1,
			Down:        `DROP TABLE IF EXISTS ticket_events, reviews, ticket_dependencies, tickets`,
		},
		migrations.Migration{
			Version:     2,
			Description: "partial indexes for claim and heartbeat scans",
			Up:          schemaV2,
			Down:        `DROP INDEX IF EXISTS idx_tickets_heartbeat, idx_tickets_claim`,
		},
	)
}
