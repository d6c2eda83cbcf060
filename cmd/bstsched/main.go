// Command bstsched drives one pipeline: load the element DAG, mark the
// targets required, and run a build job for each loaded element through the
// scheduler against an artifact cache backed by CAS, with quota-driven
// eviction at the end of the run. It sets up no fetch or push queue and
// does not contact the remotes listed in the config.
//
// The element/plugin DSL, sandbox execution, and the interactive
// BuildStream CLI live elsewhere; this binary's "build" action is a stub
// that demonstrates the job lifecycle the scheduler is responsible for
// (status checks, retries, cached-failure fast-path, cache-size
// bookkeeping) without actually invoking a sandbox. A real deployment
// substitutes ActionFunc with one that shells out to the sandbox
// integration.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"

	"github.com/buildstream-go/bst-core/artifact"
	"github.com/buildstream-go/bst-core/bstconfig"
	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/loader"
	"github.com/buildstream-go/bst-core/quota"
	"github.com/buildstream-go/bst-core/scheduler"
	"github.com/buildstream-go/bst-core/vdir"
)

func main() {
	app := cli.NewApp()
	app.Name = "bstsched"
	app.Usage = "load an element DAG and build it through the scheduler"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "bootstrap config YAML path", Required: true},
		cli.StringFlag{Name: "project-dir", Usage: "directory of <element>.bst descriptors", Required: true},
		cli.StringFlag{Name: "project", Value: "main", Usage: "project name for cache-key namespacing"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("bstsched: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := bstconfig.Load(c.String("config"))
	if err != nil {
		return err
	}
	targets := c.Args()
	if len(targets) == 0 {
		return fmt.Errorf("bstsched: at least one target element is required")
	}

	store, err := cas.Open(cfg.CacheRoot + "/cas")
	if err != nil {
		return err
	}
	vol := quota.VolumeStat{CurrentBytes: 0, AvailableBytes: 1 << 40} // placeholder until a real df(1) probe is wired in
	acc, err := quota.New(store, cfg.CacheRoot, cfg.Quota, cfg.Headroom, vol)
	if err != nil {
		return err
	}
	failures, err := artifact.OpenFailureIndex(cfg.CacheRoot + "/failures.db")
	if err != nil {
		return err
	}
	defer failures.Close()
	cache := artifact.New(store, acc, failures)

	fl := &dirFileLoader{dir: c.String("project-dir")}
	ld := loader.New(fl)
	project := c.String("project")
	elements, err := ld.Load(project, targets)
	if err != nil {
		return err
	}
	if err := loader.DetectCycles(elements); err != nil {
		return err
	}
	index := loader.BuildIndex(elements)
	for _, e := range elements {
		e.Deps = loader.SortDependencies(e, index)
	}

	required := make([][3]string, 0, len(elements))
	for _, e := range elements {
		required = append(required, [3]string{e.Project, e.Name, weakKey(e)})
	}
	if err := cache.MarkRequiredElements(required); err != nil {
		return err
	}

	sched := scheduler.New(cfg.WorkersBuild, map[scheduler.ResourceToken]int{
		scheduler.TokenProcess: cfg.WorkersBuild,
		scheduler.TokenCache:   1,
	}, scheduler.CachedFailureFromCache(cache, project, func(el string) string { return weakKeyByName(elements, el) }))

	buildQueue := scheduler.NewQueue(scheduler.StageBuild,
		[]scheduler.ResourceToken{scheduler.TokenProcess, scheduler.TokenCache},
		cfg.MaxRetries,
		func(el string) scheduler.Status {
			if cache.Contains(project, el, weakKeyByName(elements, el)) {
				return scheduler.StatusSkip
			}
			return scheduler.StatusReady
		},
		buildAction(store, cache, project, elements),
		func(el string, res scheduler.Result) {
			glog.Infof("bstsched: %s/%s: %s", project, el, res.Code)
		},
	)
	sched.AddQueue(buildQueue)
	for _, e := range elements {
		buildQueue.Enqueue(e.Name)
	}

	if err := sched.Run(context.Background()); err != nil {
		return err
	}
	_, err = acc.Clean(cache.IsRequired, nil)
	return err
}

// weakKey is the element's weak cache key: kind and name only, no content
// hashes.
func weakKey(e *loader.MetaElement) string {
	return e.Kind + "/" + e.Name
}

func weakKeyByName(elements []*loader.MetaElement, name string) string {
	for _, e := range elements {
		if e.Name == name {
			return weakKey(e)
		}
	}
	return name
}

// buildAction is the stub ActionFunc (see package doc): it commits an
// empty tree as the element's artifact, exercising the cache/scheduler contract
// (commit, add_artifact_size) without a real sandbox. It records no
// failures in the failure index.
func buildAction(store *cas.Store, cache *artifact.Cache, project string, elements []*loader.MetaElement) scheduler.ActionFunc {
	return func(ctx context.Context, name string) scheduler.Result {
		root := vdir.NewRoot(store)
		digest, err := root.Digest()
		if err != nil {
			return scheduler.Result{Code: scheduler.ResultPermFail, Err: err}
		}
		key := weakKeyByName(elements, name)
		if err := cache.Commit(project, name, digest, []string{key}); err != nil {
			return scheduler.Result{Code: scheduler.ResultFail, Err: err}
		}
		return scheduler.Result{Code: scheduler.ResultSuccess}
	}
}

// dirFileLoader reads "<project-dir>/<element>.bst" as a YAML Descriptor —
// the minimal on-disk shape loader.FileLoader needs.
type dirFileLoader struct{ dir string }

func (f *dirFileLoader) Load(project, element string) (loader.Descriptor, error) {
	b, err := os.ReadFile(f.dir + "/" + element + ".bst")
	if err != nil {
		return loader.Descriptor{}, fmt.Errorf("bstsched: cannot read %s.bst: %w", element, err)
	}
	var d loader.Descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return loader.Descriptor{}, fmt.Errorf("bstsched: cannot parse %s.bst: %w", element, err)
	}
	return d, nil
}
