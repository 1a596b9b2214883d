package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newChatCmd 在本地存储上执行一轮对话，与 POST /chat 走同一条编排流程。
func newChatCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "发送一条消息并打印回答与事实核查",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				// 与网页客户端一致：未指定时生成一次性的 user-<uuid>
				userID = "user-" + uuid.NewString()
			}

			st, err := a.newStack()
			if err != nil {
				return err
			}
			defer st.close()

			res, err := st.orch.HandleChat(cmd.Context(), userID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user: %s\n\n", userID)
			fmt.Fprintf(out, "%s\n\n", res.Answer)
			fmt.Fprintf(out, "--- fact check ---\n%s\n", res.Critique)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "session id (default: a new user-<uuid>)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <user>",
		Short: "打印会话历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.newStack()
			if err != nil {
				return err
			}
			defer st.close()

			msgs, err := st.orch.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "(empty)")
				return nil
			}
			for i, m := range msgs {
				fmt.Fprintf(out, "%2d [%s] %s\n", i+1, m.Role, m.Content)
			}
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "清空会话历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.newStack()
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.orch.HandleReset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chat history has been reset.")
			return nil
		},
	}
}
