package policy

import (
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// postOnly are variables that are empty until the job has run.
var postOnly = []string{"job", "result"}

// Variables returns the top-level CEL variables a compiled condition reads,
// sorted.
func Variables(ast *cel.Ast) ([]string, error) {
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	walkIdents(checked.GetExpr(), seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func walkIdents(e *exprpb.Expr, seen map[string]struct{}) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		seen[k.IdentExpr.GetName()] = struct{}{}
	case *exprpb.Expr_SelectExpr:
		walkIdents(k.SelectExpr.GetOperand(), seen)
	case *exprpb.Expr_CallExpr:
		walkIdents(k.CallExpr.GetTarget(), seen)
		for _, arg := range k.CallExpr.GetArgs() {
			walkIdents(arg, seen)
		}
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.GetElements() {
			walkIdents(el, seen)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.GetEntries() {
			walkIdents(entry.GetMapKey(), seen)
			walkIdents(entry.GetValue(), seen)
		}
	case *exprpb.Expr_ComprehensionExpr:
		c := k.ComprehensionExpr
		walkIdents(c.GetIterRange(), seen)
		walkIdents(c.GetAccuInit(), seen)
		walkIdents(c.GetLoopCondition(), seen)
		walkIdents(c.GetLoopStep(), seen)
		walkIdents(c.GetResult(), seen)
		delete(seen, c.GetIterVar())
		delete(seen, c.GetAccuVar())
	}
}

// lintStage rejects a PRE rule that reads job or result, which are always
// empty before submission and would make the rule silently inert.
func lintStage(r Rule, vars []string) error {
	if r.Stage != contracts.StagePre {
		return nil
	}
	for _, v := range postOnly {
		if slices.Contains(vars, v) {
			return fmt.Errorf("rule %s: PRE condition reads %q, which is only set at POST", r.ID, v)
		}
	}
	return nil
}
