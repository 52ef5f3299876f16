// Package apply translates an Operation into a mutation against the
// embedded engine. Applies are pure with respect to the operation record:
// a failed apply is logged and swallowed rather than propagated, since a
// remote operation may reference schema not yet created on this client.
package apply

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/syncbase/pkg/engine"
	"github.com/block/syncbase/pkg/oplog"
)

// Applier runs operations against an engine.
type Applier struct {
	eng    *engine.Engine
	logger loggers.Advanced
}

// New returns an Applier bound to eng, logging failed applies to logger.
func New(eng *engine.Engine, logger loggers.Advanced) *Applier {
	return &Applier{eng: eng, logger: logger}
}

// Apply runs op against the engine. A failure is logged and swallowed: it
// never propagates to the reconciler, matching the ApplyFailed error
// policy.
func (a *Applier) Apply(ctx context.Context, op oplog.Operation) {
	if err := a.apply(ctx, op); err != nil {
		a.logger.Warnf("apply failed for op %s (table %s, type %s): %v", op.ID, op.Table, op.Type, err)
	}
}

func (a *Applier) apply(ctx context.Context, op oplog.Operation) error {
	switch op.Type {
	case oplog.Insert:
		return a.applyInsert(ctx, op)
	case oplog.Update:
		return a.applyUpdate(ctx, op)
	case oplog.Delete:
		return a.applyDelete(ctx, op)
	default:
		return fmt.Errorf("apply: unknown operation type %q", op.Type)
	}
}

func (a *Applier) applyInsert(ctx context.Context, op oplog.Operation) error {
	cols, args := sortedColumns(op.Data)
	if len(cols) == 0 {
		return fmt.Errorf("apply: insert into %s has no columns", op.Table)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quoteIdent(op.Table), strings.Join(quoted, ", "), placeholders)
	_, err := a.eng.Exec(ctx, stmt, args...)
	return err
}

func (a *Applier) applyUpdate(ctx context.Context, op oplog.Operation) error {
	set := withoutWhere(op.Data)
	where, ok := op.Data[oplog.WhereKey].(map[string]any)
	if !ok || len(where) == 0 {
		return fmt.Errorf("apply: update on %s missing %s predicate", op.Table, oplog.WhereKey)
	}
	setCols, setArgs := sortedColumns(set)
	if len(setCols) == 0 {
		return fmt.Errorf("apply: update on %s has no columns to set", op.Table)
	}
	setClauses := make([]string, len(setCols))
	for i, c := range setCols {
		setClauses[i] = quoteIdent(c) + " = ?"
	}
	whereCols, whereArgs := sortedColumns(where)
	whereClauses := make([]string, len(whereCols))
	for i, c := range whereCols {
		whereClauses[i] = quoteIdent(c) + " = ?"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(op.Table), strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND "))
	args := append(append([]any{}, setArgs...), whereArgs...)
	_, err := a.eng.Exec(ctx, stmt, args...)
	return err
}

func (a *Applier) applyDelete(ctx context.Context, op oplog.Operation) error {
	where, ok := op.Data[oplog.WhereKey].(map[string]any)
	if !ok || len(where) == 0 {
		return fmt.Errorf("apply: delete on %s missing %s predicate", op.Table, oplog.WhereKey)
	}
	whereCols, whereArgs := sortedColumns(where)
	whereClauses := make([]string, len(whereCols))
	for i, c := range whereCols {
		whereClauses[i] = quoteIdent(c) + " = ?"
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(op.Table), strings.Join(whereClauses, " AND "))
	_, err := a.eng.Exec(ctx, stmt, whereArgs...)
	return err
}

// withoutWhere returns data minus the reserved _where key, without mutating
// the input map (Apply must not mutate op).
func withoutWhere(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == oplog.WhereKey {
			continue
		}
		out[k] = v
	}
	return out
}

// sortedColumns returns the keys of m in deterministic order alongside
// their values, so generated SQL and argument order always agree.
func sortedColumns(m map[string]any) (cols []string, args []any) {
	cols = make([]string, 0, len(m))
	for k := range m {
		if k == oplog.WhereKey {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args = make([]any, len(cols))
	for i, c := range cols {
		args[i] = m[c]
	}
	return cols, args
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
