package sqlite

// initSchema creates the database tables if they don't already exist.
func (r *Repository) initSchema() error {
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initAgentSchema(); err != nil {
		return err
	}
	if err := r.initEventSchema(); err != nil {
		return err
	}
	if err := r.initEvictionSchema(); err != nil {
		return err
	}
	if err := r.initSystemPromptSchema(); err != nil {
		return err
	}
	if err := r.initSettingsSchema(); err != nil {
		return err
	}
	return r.runMigrations()
}

func (r *Repository) initSettingsSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`)
	return err
}

func (r *Repository) initSystemPromptSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS system_prompts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		prompt_type TEXT NOT NULL,
		message TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL DEFAULT 'normal',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_system_prompts_agent_id ON system_prompts(agent_id, created_at);
	`)
	return err
}

func (r *Repository) initEvictionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS evictions (
		agent_id TEXT PRIMARY KEY,
		queued_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		from_type TEXT NOT NULL,
		from_id TEXT NOT NULL,
		from_name TEXT NOT NULL DEFAULT '',
		to_agent_id TEXT NOT NULL DEFAULT '',
		to_capabilities TEXT NOT NULL DEFAULT '[]',
		to_workspace_id TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		dependencies TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		last_progress_at TIMESTAMP NOT NULL,
		response_message TEXT NOT NULL DEFAULT '',
		response_artifacts TEXT NOT NULL DEFAULT '[]',
		response_diff TEXT NOT NULL DEFAULT '',
		response_blocked_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(to_agent_id, status);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id, timestamp);
	`)
	return err
}

func (r *Repository) initMessageSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		message_type TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		images TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_messages_task_id ON task_messages(task_id, timestamp);
	`)
	return err
}

func (r *Repository) initAgentSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		workspace_context TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMP NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS waiting_agents (
		agent_id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL DEFAULT '[]',
		workspace_context TEXT NOT NULL DEFAULT '',
		entered_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_acks (
		task_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_acks_sent_at ON pending_acks(sent_at);
	`)
	return err
}

func (r *Repository) initEventSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	);
	`)
	return err
}

// runMigrations is the place for ALTER TABLE migrations of existing
// databases. No migrations are defined, so it does nothing.
func (r *Repository) runMigrations() error {
	return nil
}
