package sqljobstore

import "fmt"

// tableNames is the set of fully prefix-substituted table names, computed
// once per Storage instead of re-interpolating the prefix into SQL text on
// every call (Design Notes §9, "String-templated SQL").
type tableNames struct {
	Job               string
	JobParameter      string
	JobQueue          string
	State             string
	Server            string
	Hash              string
	Set               string
	List              string
	Counter           string
	AggregatedCounter string
	Migration         string
}

func newTableNames(prefix string) tableNames {
	return tableNames{
		Job:               prefix + "Job",
		JobParameter:      prefix + "JobParameter",
		JobQueue:          prefix + "JobQueue",
		State:             prefix + "State",
		Server:            prefix + "Server",
		Hash:              prefix + "Hash",
		Set:               prefix + "Set",
		List:              prefix + "List",
		Counter:           prefix + "Counter",
		AggregatedCounter: prefix + "AggregatedCounter",
		Migration:         prefix + "Migration",
	}
}

// quoted wraps a table name in backticks for interpolation into SQL text.
func quoted(table string) string {
	return "`" + table + "`"
}

// statements caches SQL text that only depends on the table prefix, built
// once at Storage construction.
type statements struct {
	tables tableNames

	insertJob          string
	insertJobParameter string
	upsertJobParameter string
	selectJob          string
	insertState        string
	updateJobState     string
	selectState        string

	insertQueueItem  string
	claimQueueItem   string
	selectClaimed    string
	deleteQueueItem  string
	requeueQueueItem string

	upsertServer       string
	touchServerHeartbeat string
	deleteServer       string
	deleteTimedOutServers string

	counterAggregateTempTable string
}

func newStatements(prefix string) *statements {
	t := newTableNames(prefix)
	s := &statements{tables: t}

	s.insertJob = fmt.Sprintf(
		"INSERT INTO %s (StateId, StateName, InvocationData, Arguments, CreatedAt, ExpireAt) VALUES (NULL, '', ?, ?, ?, ?)",
		quoted(t.Job))
	s.insertJobParameter = fmt.Sprintf(
		"INSERT INTO %s (JobId, Name, Value) VALUES (?, ?, ?)",
		quoted(t.JobParameter))
	s.upsertJobParameter = fmt.Sprintf(
		"INSERT INTO %s (JobId, Name, Value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Value = VALUES(Value)",
		quoted(t.JobParameter))
	s.selectJob = fmt.Sprintf(
		"SELECT Id, StateId, StateName, InvocationData, Arguments, CreatedAt, ExpireAt FROM %s WHERE Id = ?",
		quoted(t.Job))

	s.insertState = fmt.Sprintf(
		"INSERT INTO %s (JobId, Name, Reason, CreatedAt, Data) VALUES (?, ?, ?, ?, ?)",
		quoted(t.State))
	s.updateJobState = fmt.Sprintf(
		"UPDATE %s SET StateId = ?, StateName = ? WHERE Id = ?",
		quoted(t.Job))
	s.selectState = fmt.Sprintf(
		"SELECT j.Id, s.Name, s.Reason, s.Data FROM %s j JOIN %s s ON s.Id = j.StateId WHERE j.Id = ?",
		quoted(t.Job), quoted(t.State))

	s.insertQueueItem = fmt.Sprintf(
		"INSERT INTO %s (JobId, Queue, FetchedAt, FetchToken) VALUES (?, ?, NULL, NULL)",
		quoted(t.JobQueue))
	s.deleteQueueItem = fmt.Sprintf("DELETE FROM %s WHERE Id = ?", quoted(t.JobQueue))
	s.requeueQueueItem = fmt.Sprintf("UPDATE %s SET FetchedAt = NULL, FetchToken = NULL WHERE Id = ?", quoted(t.JobQueue))
	s.selectClaimed = fmt.Sprintf("SELECT Id, JobId, Queue FROM %s WHERE FetchToken = ? LIMIT 1", quoted(t.JobQueue))

	s.upsertServer = fmt.Sprintf(
		"INSERT INTO %s (Id, Data, LastHeartbeat) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Data = VALUES(Data), LastHeartbeat = VALUES(LastHeartbeat)",
		quoted(t.Server))
	s.touchServerHeartbeat = fmt.Sprintf("UPDATE %s SET LastHeartbeat = ? WHERE Id = ?", quoted(t.Server))
	s.deleteServer = fmt.Sprintf("DELETE FROM %s WHERE Id = ?", quoted(t.Server))
	s.deleteTimedOutServers = fmt.Sprintf("DELETE FROM %s WHERE LastHeartbeat < ?", quoted(t.Server))

	s.counterAggregateTempTable = "__" + prefix + "counter_refs__"

	return s
}

// claimQuery renders the claim-one-row UPDATE for the given number of
// placeholder queue names. It is not cached because the placeholder count
// varies per call, but the surrounding table/column text is still built
// from the cached table name.
func (s *statements) claimQuery(queueCount int) string {
	placeholders := "?"
	for i := 1; i < queueCount; i++ {
		placeholders += ", ?"
	}
	return fmt.Sprintf(
		"UPDATE %s SET FetchedAt = ?, FetchToken = ? WHERE Queue IN (%s) AND (FetchedAt IS NULL OR FetchedAt < ?) LIMIT 1",
		quoted(s.tables.JobQueue), placeholders)
}
