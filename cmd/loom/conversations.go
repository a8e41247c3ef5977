package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// buildConversationsCmd creates the "conversations" command group.
func buildConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and branch stored conversations",
	}
	cmd.AddCommand(
		buildConversationsListCmd(),
		buildConversationsShowCmd(),
		buildConversationsForkCmd(),
	)
	return cmd
}

func buildConversationsListCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			convs, err := r.store.ListConversations(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}
			for _, conv := range convs {
				fmt.Fprintf(out, "%s  %s (%s/%s)\n", conv.ID, conv.Name, conv.Provider, conv.Model)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&projectID, "project", "default", "Project ID")
	return cmd
}

func buildConversationsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's current thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			conv, err := r.store.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			msgs, err := r.threads.CurrentMessages(cmd.Context(), conv.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s/%s), thread %s, %d messages\n",
				conv.Name, conv.Provider, conv.Model, conv.CurrentThreadID, len(msgs))
			for _, msg := range msgs {
				fmt.Fprintf(out, "--- %s %s\n", msg.Role, msg.ID)
				printMessage(out, msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildConversationsForkCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "fork <conversation-id>",
		Short: "Fork a conversation into an independent copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			fork, err := r.threads.Fork(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked: %s\n", fork.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
