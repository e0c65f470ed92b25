package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/repository"
)

// changeSet is the file format read by the apply command:
//
//	writes:
//	  - op: create
//	    collection: bands
//	    id: tool
//	    data: {name: Tool, formationYear: 1990}
//	  - op: update
//	    collection: bands/tool/albums
//	    id: lateralus
//	    data: {year: 2001}
//	    unset: [draft]
//	  - op: delete
//	    collection: bands
//	    id: slayer
type changeSet struct {
	Writes []change `yaml:"writes"`
}

type change struct {
	Op         string         `yaml:"op"`
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Data       map[string]any `yaml:"data"`
	Unset      []string       `yaml:"unset"`
}

const (
	changeCreate = "create"
	changeUpdate = "update"
	changeDelete = "delete"
)

func (c change) check(i int) error {
	if c.Collection == "" {
		return fmt.Errorf("write %d: collection is required", i)
	}
	switch c.Op {
	case changeCreate:
		if len(c.Unset) > 0 {
			return fmt.Errorf("write %d: unset is only valid on update", i)
		}
	case changeUpdate, changeDelete:
		if c.ID == "" {
			return fmt.Errorf("write %d: %s requires an id", i, c.Op)
		}
	default:
		return fmt.Errorf("write %d: unknown op %q (expected create, update or delete)", i, c.Op)
	}
	return nil
}

func (c change) document() *repository.Document {
	fields := make(map[string]any, len(c.Data)+len(c.Unset))
	for k, v := range c.Data {
		if k != docstore.IDField {
			fields[k] = v
		}
	}
	for _, name := range c.Unset {
		fields[name] = docstore.DeleteField
	}
	return &repository.Document{ID: c.ID, Fields: fields}
}

func readChangeSet(path string, stdin io.Reader) (*changeSet, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read change set: %w", err)
	}
	var set changeSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse change set: %w", err)
	}
	for i, c := range set.Writes {
		if err := c.check(i); err != nil {
			return nil, err
		}
	}
	return &set, nil
}

type applyResult struct {
	Mode    string   `json:"mode" yaml:"mode"`
	Writes  int      `json:"writes" yaml:"writes"`
	Created []string `json:"created,omitempty" yaml:"created,omitempty"`
}

func newApplyCommand(env *commandEnv) *cobra.Command {
	var transactional bool
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a set of writes atomically, as one batch or one transaction",
		Long: `Apply reads a YAML or JSON change set (- for stdin) and applies every write or none.

By default the writes are committed as one batch. With --transaction they run inside a
transaction, which is retried when it conflicts with concurrent writers.`,
		Args: cobra.ExactArgs(1),
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error {
			set, err := readChangeSet(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var result *applyResult
			if transactional {
				result, err = applyTransaction(ctx, rt.DB, set)
			} else {
				result, err = applyBatch(ctx, rt.DB, set)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), env.flags.output, result)
		}),
	}
	cmd.Flags().BoolVar(&transactional, "transaction", false, "apply the writes in a transaction instead of a batch")
	return cmd
}

func applyBatch(ctx context.Context, db *repository.DB, set *changeSet) (*applyResult, error) {
	batch := db.CreateBatch()
	repos := map[string]*repository.BatchRepository[repository.Document]{}
	var created []*repository.Document

	for i, c := range set.Writes {
		repo, ok := repos[c.Collection]
		if !ok {
			var err error
			if repo, err = repository.GetRepositoryAt[repository.Document](batch, c.Collection); err != nil {
				return nil, fmt.Errorf("write %d: %w", i, err)
			}
			repos[c.Collection] = repo
		}
		doc := c.document()
		var err error
		switch c.Op {
		case changeCreate:
			if err = repo.Create(doc); err == nil {
				created = append(created, doc)
			}
		case changeUpdate:
			err = repo.Update(doc)
		case changeDelete:
			err = repo.Delete(doc)
		}
		if err != nil {
			return nil, fmt.Errorf("write %d: %w", i, err)
		}
	}

	writes := batch.Len()
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}
	return &applyResult{Mode: "batch", Writes: writes, Created: createdIDs(created)}, nil
}

func applyTransaction(ctx context.Context, db *repository.DB, set *changeSet) (*applyResult, error) {
	var result *applyResult
	err := repository.RunTransaction(ctx, db, func(ctx context.Context, tx *repository.Transaction) error {
		// the function may run more than once; start from a clean result every attempt
		result = &applyResult{Mode: "transaction"}
		var created []*repository.Document
		for i, c := range set.Writes {
			repo, err := repository.TransactionRepositoryAt[repository.Document](tx, c.Collection)
			if err != nil {
				return fmt.Errorf("write %d: %w", i, err)
			}
			doc := c.document()
			switch c.Op {
			case changeCreate:
				if doc, err = repo.Create(ctx, doc); err == nil {
					created = append(created, doc)
				}
			case changeUpdate:
				_, err = repo.Update(ctx, doc)
			case changeDelete:
				err = repo.Delete(ctx, doc.ID)
			}
			if err != nil {
				return fmt.Errorf("write %d: %w", i, err)
			}
			result.Writes++
		}
		result.Created = createdIDs(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func createdIDs(docs []*repository.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}
