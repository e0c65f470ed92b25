package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/repository"
)

func newDocumentCommands(env *commandEnv) []*cobra.Command {
	reads := []*cobra.Command{newGetCommand(env), newFindCommand(env)}
	for _, cmd := range reads {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	}
	writes := []*cobra.Command{newCreateCommand(env), newUpdateCommand(env), newDeleteCommand(env), newApplyCommand(env)}
	for _, cmd := range writes {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	}
	return append(reads, writes...)
}

func documents(db *repository.DB, collection string) (*repository.DocumentRepository[repository.Document], error) {
	return repository.NewRepositoryAt[repository.Document](db, collection)
}

func newGetCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one document",
		Args:  cobra.ExactArgs(2),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			repo, err := documents(rt.DB, args[0])
			if err != nil {
				return err
			}
			doc, err := repo.FindByID(ctx, args[1])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("document %s/%s: %w", args[0], args[1], docstore.ErrNotFound)
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, doc.Map())
		}),
	}
}

func newFindCommand(env *commandEnv) *cobra.Command {
	var (
		where   []string
		orderBy string
		limit   int
		one     bool
	)
	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Query a collection",
		Example: `  docq find bands --where "formationYear >= 1981" --order-by formationYear:desc --limit 2
  docq find bands --where "genres array-contains thrash" --where "origin.country == US"
  docq find bands --where "name in [Tool, Slayer]" --one`,
		Args: cobra.ExactArgs(1),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			repo, err := documents(rt.DB, args[0])
			if err != nil {
				return err
			}
			q := repo.Query()
			for _, expr := range where {
				line, err := parseWhere(expr)
				if err != nil {
					return err
				}
				q = q.Where(line.Property, line.Operator, line.Value)
			}
			if orderBy != "" {
				field, dir, err := parseOrderBy(orderBy)
				if err != nil {
					return err
				}
				if dir == docstore.Descending {
					q = q.OrderByDescending(field)
				} else {
					q = q.OrderByAscending(field)
				}
			}
			if cmd.Flags().Changed("limit") {
				q = q.Limit(limit)
			}

			if one {
				doc, err := q.FindOne(ctx)
				if err != nil {
					return err
				}
				if doc == nil {
					return writeOutput(cmd.OutOrStdout(), env.flags.output, nil)
				}
				return writeOutput(cmd.OutOrStdout(), env.flags.output, doc.Map())
			}
			docs, err := q.Find(ctx)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				out = append(out, doc.Map())
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, out)
		}),
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, `filter as "<field> <operator> <value>"; value is parsed as YAML (repeatable)`)
	cmd.Flags().StringVar(&orderBy, "order-by", "", "order as <field>[:asc|desc]")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of documents")
	cmd.Flags().BoolVar(&one, "one", false, "return the first match only")
	return cmd
}

// documentInput collects the flags shared by create and update.
type documentInput struct {
	data  string
	file  string
	unset []string
	now   []string
}

func (in *documentInput) register(cmd *cobra.Command, allowUnset bool) {
	cmd.Flags().StringVarP(&in.data, "data", "d", "", "document fields as a YAML or JSON object")
	cmd.Flags().StringVarP(&in.file, "file", "f", "", "read document fields from a YAML or JSON file (- for stdin)")
	cmd.Flags().StringArrayVar(&in.now, "now", nil, "set a field to the commit time (repeatable)")
	if allowUnset {
		cmd.Flags().StringArrayVar(&in.unset, "unset", nil, "remove a field (repeatable)")
	}
}

func (in *documentInput) fields(stdin io.Reader) (map[string]any, error) {
	fields := map[string]any{}
	var raw []byte
	switch {
	case in.data != "" && in.file != "":
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	case in.data != "":
		raw = []byte(in.data)
	case in.file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case in.file != "":
		b, err := os.ReadFile(in.file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", in.file, err)
		}
		raw = b
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("parse document fields: %w", err)
		}
	}
	for _, name := range in.now {
		fields[name] = docstore.ServerTimestamp
	}
	for _, name := range in.unset {
		fields[name] = docstore.DeleteField
	}
	return fields, nil
}

// takeID moves the id out of fields. An explicit id wins over the one in the data.
func takeID(fields map[string]any, explicit string) (string, error) {
	raw, ok := fields[docstore.IDField]
	delete(fields, docstore.IDField)
	if explicit != "" || !ok {
		return explicit, nil
	}
	id, isString := raw.(string)
	if !isString {
		return "", fmt.Errorf("%w: document id must be a string, got %T", repository.ErrInvalidValue, raw)
	}
	return id, nil
}

func newCreateCommand(env *commandEnv) *cobra.Command {
	var (
		in documentInput
		id string
	)
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a document; the store assigns an id when none is given",
		Args:  cobra.ExactArgs(1),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			fields, err := in.fields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			docID, err := takeID(fields, id)
			if err != nil {
				return err
			}
			repo, err := documents(rt.DB, args[0])
			if err != nil {
				return err
			}
			doc, err := repo.Create(ctx, &repository.Document{ID: docID, Fields: fields})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, map[string]any{docstore.IDField: doc.ID})
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "document id")
	in.register(cmd, false)
	return cmd
}

func newUpdateCommand(env *commandEnv) *cobra.Command {
	var in documentInput
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Update the given fields of an existing document",
		Args:  cobra.ExactArgs(2),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			fields, err := in.fields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			delete(fields, docstore.IDField)
			if len(fields) == 0 {
				return fmt.Errorf("nothing to update: pass --data, --file, --now or --unset")
			}
			repo, err := documents(rt.DB, args[0])
			if err != nil {
				return err
			}
			if _, err := repo.Update(ctx, &repository.Document{ID: args[1], Fields: fields}); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, map[string]any{docstore.IDField: args[1]})
		}),
	}
	in.register(cmd, true)
	return cmd
}

func newDeleteCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document; deleting a missing document succeeds",
		Args:  cobra.ExactArgs(2),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			repo, err := documents(rt.DB, args[0])
			if err != nil {
				return err
			}
			if err := repo.Delete(ctx, args[1]); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, map[string]any{docstore.IDField: args[1]})
		}),
	}
}

// parseWhere parses "<field> <operator> <value>". The value is everything after the
// operator, decoded as YAML so that numbers, booleans, null and [lists] keep their type.
func parseWhere(expr string) (repository.QueryLine, error) {
	field, rest := cutToken(expr)
	op, rest := cutToken(rest)
	if field == "" || op == "" || rest == "" {
		return repository.QueryLine{}, fmt.Errorf("invalid --where %q: expected \"<field> <operator> <value>\"", expr)
	}
	operator, err := docstore.ParseOperator(op)
	if err != nil {
		return repository.QueryLine{}, fmt.Errorf("invalid --where %q: %w", expr, err)
	}
	var value any
	if err := yaml.Unmarshal([]byte(rest), &value); err != nil {
		return repository.QueryLine{}, fmt.Errorf("invalid --where %q: %w", expr, err)
	}
	return repository.QueryLine{Property: field, Operator: operator, Value: value}, nil
}

func cutToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func parseOrderBy(raw string) (string, docstore.Direction, error) {
	field, dir, found := strings.Cut(raw, ":")
	field = strings.TrimSpace(field)
	if field == "" {
		return "", "", fmt.Errorf("invalid --order-by %q: field is required", raw)
	}
	if !found {
		return field, docstore.Ascending, nil
	}
	switch d := docstore.Direction(strings.ToLower(strings.TrimSpace(dir))); d {
	case docstore.Ascending, docstore.Descending:
		return field, d, nil
	default:
		return "", "", fmt.Errorf("invalid --order-by %q: direction must be asc or desc", raw)
	}
}
