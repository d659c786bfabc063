package sqljobstore

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements_DropsBlankEntries(t *testing.T) {
	script := "CREATE TABLE a (id INT);\n\n  \nCREATE TABLE b (id INT);\n"
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (id INT)", stmts[1])
}

func TestInstallScriptTemplate_ContainsEveryTable(t *testing.T) {
	rendered := strings.ReplaceAll(installScriptTemplate, "{prefix}", "P")
	for _, table := range []string{
		"PJob", "PJobParameter", "PJobQueue", "PState", "PServer",
		"PHash", "PSet", "PList", "PCounter", "PAggregatedCounter", "PMigration",
	} {
		assert.Contains(t, rendered, "`"+table+"`", "missing table %s", table)
	}
}

func TestMigrationsDocument_ParsesAsXML(t *testing.T) {
	var doc migrationSet
	require.NoError(t, xml.Unmarshal([]byte(migrationsDocument), &doc))
	for _, m := range doc.Migrations {
		assert.NotEmpty(t, m.ID)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL))
	}
}
