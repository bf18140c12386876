package main

import (
	"github.com/spf13/cobra"
)

func newArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Move artifact bytes between the working tree and the artifact repository",
	}
	cmd.AddCommand(newArtifactPushCmd())
	cmd.AddCommand(newArtifactPullCmd())
	return cmd
}

func newArtifactPushCmd() *cobra.Command {
	var (
		pipeline  string
		storePath string
		artifact  string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload recorded artifacts to the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			c, err := openCore(ctx, storePath)
			if err != nil {
				emit(fail("%v", err))
				return
			}
			defer c.Close()

			if err := c.requirePipeline(ctx, pipeline); err != nil {
				emit(fail("%v", err))
				return
			}
			res, err := c.syncer.PushArtifacts(ctx, pipeline, artifact)
			if err != nil {
				emit(fail("artifact push failed: %v", err))
				return
			}
			if !res.OK() {
				emit(fail("artifact push incomplete: %s", res))
				return
			}
			emit(ok("artifacts pushed: %s", res))
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline-name", "p", "", "pipeline whose artifacts to push")
	cmd.Flags().StringVarP(&storePath, "file-name", "f", "mlmd", "local metadata store file")
	cmd.Flags().StringVarP(&artifact, "artifact-name", "a", "", "push only this artifact")
	_ = cmd.MarkFlagRequired("pipeline-name")
	return cmd
}

func newArtifactPullCmd() *cobra.Command {
	var (
		pipeline  string
		storePath string
		artifact  string
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download recorded artifacts from the artifact repository",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			c, err := openCore(ctx, storePath)
			if err != nil {
				emit(fail("%v", err))
				return
			}
			defer c.Close()

			if err := c.requirePipeline(ctx, pipeline); err != nil {
				emit(fail("%v", err))
				return
			}
			res, err := c.syncer.PullArtifacts(ctx, pipeline, artifact)
			if err != nil {
				emit(fail("artifact pull failed: %v", err))
				return
			}
			if !res.OK() {
				emit(fail("artifact pull incomplete: %s", res))
				return
			}
			emit(ok("artifacts pulled: %s", res))
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline-name", "p", "", "pipeline whose artifacts to pull")
	cmd.Flags().StringVarP(&storePath, "file-name", "f", "mlmd", "local metadata store file")
	cmd.Flags().StringVarP(&artifact, "artifact-name", "a", "", "pull only this artifact")
	_ = cmd.MarkFlagRequired("pipeline-name")
	return cmd
}
