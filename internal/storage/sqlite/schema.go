package sqlite

import "github.com/swarm-dev/swarm/internal/storage/migrations"

const schemaV1 = `
-- Tickets table
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'draft',
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 4),
    assignee_id TEXT,
    assignee_type TEXT CHECK(assignee_type IN ('agent', 'human')),
    reserved_for TEXT,
    parent_ticket_id TEXT REFERENCES tickets(id),
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    retry_after DATETIME,
    sentinel_feedback TEXT,
    hold_reason TEXT NOT NULL DEFAULT '',
    acceptance_criteria TEXT NOT NULL DEFAULT '[]',
    criteria_status TEXT NOT NULL DEFAULT '[]',
    max_review_attempts INTEGER NOT NULL DEFAULT 3,
    pr_ref TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    error_category TEXT NOT NULL DEFAULT '',
    error_subcategory TEXT NOT NULL DEFAULT '',
    last_heartbeat DATETIME,
    ready_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    closed_at DATETIME,
    CHECK ((assignee_id IS NOT NULL) = (state IN ('assigned', 'in_progress', 'in_review')))
);

CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_ticket_id);

-- Dependencies table
CREATE TABLE IF NOT EXISTS ticket_dependencies (
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    depends_on_id TEXT NOT NULL REFERENCES tickets(id),
    created_at DATETIME NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (ticket_id, depends_on_id),
    CHECK (ticket_id != depends_on_id)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON ticket_dependencies(depends_on_id);

-- Reviews table (append-only)
CREATE TABLE IF NOT EXISTS reviews (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    reviewer TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL CHECK(decision IN ('approve', 'request_changes', 'reject')),
    score INTEGER NOT NULL DEFAULT 0,
    issues TEXT NOT NULL DEFAULT '[]',
    criteria_verification TEXT NOT NULL DEFAULT '[]',
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_ticket ON reviews(ticket_id);

-- Events table (audit trail)
CREATE TABLE IF NOT EXISTS ticket_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL REFERENCES tickets(id),
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ticket_events_ticket ON ticket_events(ticket_id);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_tickets_claim ON tickets(state, retry_count, priority, ready_at);
CREATE INDEX IF NOT EXISTS idx_tickets_heartbeat ON tickets(state, last_heartbeat);
`

// schemaV3 rewrites timestamps stored by older builds as RFC 3339 text into
// the fixed-width layout of timeFormat.
const schemaV3 = `
UPDATE tickets SET
    retry_after = strftime('%Y-%m-%dT%H:%M:%f', retry_after),
    last_heartbeat = strftime('%Y-%m-%dT%H:%M:%f', last_heartbeat),
    ready_at = strftime('%Y-%m-%dT%H:%M:%f', ready_at),
    created_at = strftime('%Y-%m-%dT%H:%M:%f', created_at),
    updated_at = strftime('%Y-%m-%dT%H:%M:%f', updated_at),
    closed_at = strftime('%Y-%m-%dT%H:%M:%f', closed_at);
UPDATE ticket_dependencies SET created_at = strftime('%Y-%m-%dT%H:%M:%f', created_at);
UPDATE reviews SET created_at = strftime('%Y-%m-%dT%H:%M:%f', created_at);
UPDATE ticket_events SET created_at = strftime('%Y-%m-%dT%H:%M:%f', created_at);
`

func migrationManager() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "tickets, dependencies, reviews and events",
			Up:          schemaV1,
			Down: `
				DROP TABLE IF EXISTS ticket_events;
				DROP TABLE IF EXISTS reviews;
				DROP TABLE IF EXISTS ticket_dependencies;
				DROP TABLE IF EXISTS tickets;
			`,
		},
		migrations.Migration{
			Version:     2,
			Description: "claim ordering and heartbeat indexes",
			Up:          schemaV2,
			Down: `
				DROP INDEX IF EXISTS idx_tickets_heartbeat;
				DROP INDEX IF EXISTS idx_tickets_claim;
			`,
		},
		migrations.Migration{
			Version:     3,
			Description: "fixed-width timestamps",
			Up:          schemaV3,
		},
	)
}
