package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/common-metadata/cmf-go/internal/sync"
)

func newMetadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Push or pull pipeline metadata against the cmf server",
	}
	cmd.AddCommand(newMetadataPushCmd())
	cmd.AddCommand(newMetadataPullCmd())
	return cmd
}

func newMetadataPushCmd() *cobra.Command {
	var (
		pipeline        string
		storePath       string
		execUUID        string
		tensorboardPath string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push local pipeline metadata and artifacts to the server",
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
			res, err := c.syncer.Push(ctx, sync.PushOptions{
				Pipeline:        pipeline,
				ExecUUID:        execUUID,
				TensorboardPath: tensorboardPath,
			})
			if err != nil {
				emit(fail("metadata push failed: %v", err))
				return
			}
			if res.TensorboardErr != nil {
				emit(fail("metadata pushed (%s) but tensorboard upload failed: %v", res.Status, res.TensorboardErr))
				return
			}
			if !res.Artifacts.OK() {
				emit(fail("metadata pushed (%s), artifacts %s", res.Status, res.Artifacts))
				return
			}
			emit(ok("metadata pushed (%s), artifacts %s", res.Status, res.Artifacts))
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline-name", "p", "", "pipeline to push")
	cmd.Flags().StringVarP(&storePath, "file-name", "f", "mlmd", "local metadata store file")
	cmd.Flags().StringVarP(&execUUID, "execution-uuid", "e", "", "restrict to one execution uuid")
	cmd.Flags().StringVarP(&tensorboardPath, "tensorboard-path", "t", "", "tensorboard log directory to upload")
	_ = cmd.MarkFlagRequired("pipeline-name")
	return cmd
}

func newMetadataPullCmd() *cobra.Command {
	var (
		pipeline  string
		storePath string
		execUUID  string
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull pipeline metadata from the server and merge it locally",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			c, err := openCore(ctx, storePath)
			if err != nil {
				emit(fail("%v", err))
				return
			}
			defer c.Close()

			rec, err := c.newRecorder(ctx, pipeline, "cmf metadata pull")
			if err != nil {
				emit(fail("%v", err))
				return
			}
			res, err := c.syncer.Pull(ctx, rec, sync.PullOptions{
				Pipeline: pipeline,
				ExecUUID: execUUID,
			})
			if err != nil {
				emit(fail("metadata pull failed: %v", err))
				return
			}
			msg := fmt.Sprintf("Merged metadata for pipeline %s", pipeline)
			if err := c.repo.CommitMetadata(ctx, c.storePath, msg); err != nil {
				c.logger.Warn("metadata commit failed", "error", err)
			}
			if !res.Artifacts.OK() {
				emit(fail("metadata pulled, artifacts %s", res.Artifacts))
				return
			}
			emit(ok("metadata pulled, artifacts %s", res.Artifacts))
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline-name", "p", "", "pipeline to pull")
	cmd.Flags().StringVarP(&storePath, "file-name", "f", "mlmd", "local metadata store file")
	cmd.Flags().StringVarP(&execUUID, "execution-uuid", "e", "", "restrict to one execution uuid")
	_ = cmd.MarkFlagRequired("pipeline-name")
	return cmd
}
