// Package statement parses CREATE TABLE DDL text using the tidb SQL
// parser, the same library the teacher's pkg/utils uses to walk
// ALTER TABLE statements, here re-pointed at CREATE TABLE so the sync
// core's CreateTable call can report structured column/index metadata.
package statement

import (
	"fmt"
	"strconv"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Column describes a single column of a parsed CREATE TABLE statement.
type Column struct {
	Name     string
	Type     string
	AutoInc  bool
	Nullable bool
	Length   *int
}

// Index describes a single index or key clause.
type Index struct {
	Name    string
	Type    string
	Columns []string
}

// CreateTable is the structured result of parsing one CREATE TABLE
// statement.
type CreateTable struct {
	tableName string
	columns   []Column
	indexes   []Index
	options   map[string]string
}

func (ct *CreateTable) GetTableName() string { return ct.tableName }
func (ct *CreateTable) GetColumns() []Column { return ct.columns }
func (ct *CreateTable) GetIndexes() []Index { return ct.indexes }
func (ct *CreateTable) GetTableOptions() map[string]string { return ct.options }

// ParseCreateTable parses a single CREATE TABLE statement into structured
// column, index and table-option metadata.
func ParseCreateTable(sql string) (*CreateTable, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("statement: parsing CREATE TABLE: %w", err)
	}
	if len(stmtNodes) == 0 {
		return nil, fmt.Errorf("statement: no statements found")
	}
	createStmt, ok := stmtNodes[0].(*ast.CreateTableStmt)
	if !ok {
		return nil, fmt.Errorf("statement: expected CREATE TABLE, got %T", stmtNodes[0])
	}

	ct := &CreateTable{
		tableName: createStmt.Table.Name.String(),
		options:   map[string]string{},
	}

	for _, col := range createStmt.Cols {
		c := Column{
			Name:     col.Name.Name.String(),
			Type:     col.Tp.String(),
			Nullable: true,
		}
		if col.Tp.GetFlen() > 0 {
			l := col.Tp.GetFlen()
			c.Length = &l
		}
		for _, opt := range col.Options {
			switch opt.Tp {
			case ast.ColumnOptionAutoIncrement:
				c.AutoInc = true
			case ast.ColumnOptionNotNull:
				c.Nullable = false
			case ast.ColumnOptionPrimaryKey:
				c.Nullable = false
				ct.indexes = append(ct.indexes, Index{Name: "PRIMARY", Type: "PRIMARY", Columns: []string{c.Name}})
			}
		}
		ct.columns = append(ct.columns, c)
	}

	for _, constraint := range createStmt.Constraints {
		idx := Index{Name: constraint.Name}
		switch constraint.Tp {
		case ast.ConstraintPrimaryKey:
			idx.Type = "PRIMARY"
			if idx.Name == "" {
				idx.Name = "PRIMARY"
			}
		case ast.ConstraintUniq, ast.ConstraintUniqKey, ast.ConstraintUniqIndex:
			idx.Type = "UNIQUE"
		case ast.ConstraintFulltext:
			idx.Type = "FULLTEXT"
		default:
			idx.Type = "INDEX"
		}
		for _, key := range constraint.Keys {
			idx.Columns = append(idx.Columns, key.Column.Name.String())
		}
		ct.indexes = append(ct.indexes, idx)
	}

	for _, opt := range createStmt.Options {
		switch opt.Tp {
		case ast.TableOptionEngine:
			ct.options["engine"] = opt.StrValue
		case ast.TableOptionCharset:
			ct.options["charset"] = opt.StrValue
		case ast.TableOptionComment:
			ct.options["comment"] = opt.StrValue
		case ast.TableOptionAutoIncrement:
			ct.options["auto_increment"] = strconv.FormatUint(opt.UintValue, 10)
		}
	}

	return ct, nil
}
