package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreateTable_BasicTable(t *testing.T) {
	sql := `
	CREATE TABLE users (
		id INT PRIMARY KEY AUTO_INCREMENT,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) UNIQUE,
		age INT DEFAULT 0
	) ENGINE=InnoDB CHARSET=utf8mb4 COMMENT='User table'
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	assert.Equal(t, "users", ct.GetTableName())

	columns := ct.GetColumns()
	require.Len(t, columns, 4)

	idCol := columns[0]
	assert.Equal(t, "id", idCol.Name)
	assert.Contains(t, idCol.Type, "int")
	assert.True(t, idCol.AutoInc)
	assert.False(t, idCol.Nullable)

	nameCol := columns[1]
	assert.Equal(t, "name", nameCol.Name)
	assert.Contains(t, nameCol.Type, "varchar")
	require.NotNil(t, nameCol.Length)
	assert.Equal(t, 255, *nameCol.Length)
	assert.False(t, nameCol.Nullable)

	options := ct.GetTableOptions()
	assert.Equal(t, "InnoDB", options["engine"])
	assert.Equal(t, "utf8mb4", options["charset"])
	assert.Equal(t, "User table", options["comment"])
}

func TestParseCreateTable_PrimaryKeyAndUniqueIndexes(t *testing.T) {
	sql := `CREATE TABLE orders (
		id INT PRIMARY KEY,
		user_id INT NOT NULL,
		UNIQUE KEY uk_user (user_id)
	)`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	indexes := ct.GetIndexes()
	require.Len(t, indexes, 2)

	var primary, unique *Index
	for i := range indexes {
		switch indexes[i].Type {
		case "PRIMARY":
			primary = &indexes[i]
		case "UNIQUE":
			unique = &indexes[i]
		}
	}
	require.NotNil(t, primary)
	assert.Equal(t, []string{"id"}, primary.Columns)

	require.NotNil(t, unique)
	assert.Equal(t, "uk_user", unique.Name)
	assert.Equal(t, []string{"user_id"}, unique.Columns)
}

func TestParseCreateTable_RejectsNonCreateTable(t *testing.T) {
	_, err := ParseCreateTable("SELECT 1")
	require.Error(t, err)
}

func TestParseCreateTable_RejectsInvalidSQL(t *testing.T) {
	_, err := ParseCreateTable("CREATE TABLE foo (")
	require.Error(t, err)
}
