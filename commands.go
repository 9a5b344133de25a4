package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aquilax/truncate"
	"github.com/spf13/cobra"

	"megagram/chat"
	"megagram/models"
)

var (
	groupFlag     bool
	beforeFlag    int64
	moreFlag      bool
	offlineFlag   bool
	limitFlag     int
	noWaitFlag    bool
	authorizeFlag bool
	messageIDFlag string
)

func init() {
	sessionCmd.Flags().BoolVar(&authorizeFlag, "authorize", false,
		"Authorize the session wallet on-chain if it is not already.")

	for _, cmd := range []*cobra.Command{syncCmd, historyCmd, sendCmd, forgetCmd} {
		cmd.Flags().BoolVarP(&groupFlag, "group", "g", false,
			"Treat the target as a group id instead of a peer address.")
	}
	historyCmd.Flags().Int64Var(&beforeFlag, "before", 0,
		"Only show messages sent before this unix timestamp.")
	historyCmd.Flags().BoolVar(&moreFlag, "more", false,
		"Load one more window of older blocks after syncing.")
	historyCmd.Flags().BoolVar(&offlineFlag, "offline", false,
		"Read the local archive without contacting the chain.")
	historyCmd.Flags().IntVar(&limitFlag, "limit", 100,
		"Maximum number of archived messages to show with --offline.")
	historyCmd.Flags().StringVar(&messageIDFlag, "id", "",
		"Show a single archived message by id. Implies --offline.")
	sendCmd.Flags().BoolVar(&noWaitFlag, "no-wait", false,
		"Return as soon as the transaction is submitted.")

	usernameCmd.AddCommand(usernameGetCmd, usernameSetCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the session wallet and optionally authorize it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, authorizeFlag, func(a *app) error {
			session, err := a.engine.SessionAddress()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wallet:          %s\n", a.engine.Viewer())
			fmt.Fprintf(out, "Session Wallet:  %s\n", session)
			fmt.Fprintf(out, "Authorized:      %t\n", a.keys.IsSessionAuthorized(a.engine.Viewer(), a.cfg.ContractAddress))
			if !authorizeFlag {
				return nil
			}

			sent, err := a.engine.EnsureSessionAuthorized(cmd.Context())
			if err != nil {
				return err
			}
			if sent {
				fmt.Fprintln(out, "Session wallet authorized.")
			} else {
				fmt.Fprintln(out, "Session wallet already authorized.")
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <peer|group>",
	Short: "Sync a conversation and print its most recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			if err := a.engine.SyncMessages(cmd.Context(), args[0], groupFlag); err != nil {
				return err
			}
			messages, err := a.engine.Messages(args[0], groupFlag)
			if err != nil {
				return err
			}
			printTimeline(cmd.OutOrStdout(), a.engine.Viewer(), messages)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer|group>",
	Short: "Show older messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offline := offlineFlag || messageIDFlag != ""
		return withApp(cmd, !offline, func(a *app) error {
			target, out := args[0], cmd.OutOrStdout()

			if offline {
				key, err := a.engine.ConversationKey(target, groupFlag)
				if err != nil {
					return err
				}
				if messageIDFlag != "" {
					message, err := a.store.GetMessageByID(key, messageIDFlag)
					if err != nil {
						return fmt.Errorf("message %s: %w", messageIDFlag, err)
					}
					printTimeline(out, a.engine.Viewer(), []models.Message{*message})
					return nil
				}
				messages, err := a.store.GetMessages(key, limitFlag)
				if err != nil {
					return err
				}
				if beforeFlag > 0 {
					messages = filterBefore(messages, beforeFlag)
				}
				printTimeline(out, a.engine.Viewer(), messages)
				return nil
			}

			if beforeFlag > 0 {
				printTimeline(out, a.engine.Viewer(),
					a.engine.FetchOlderMessages(cmd.Context(), target, groupFlag, beforeFlag))
				return nil
			}

			if err := a.engine.SyncMessages(cmd.Context(), target, groupFlag); err != nil {
				return err
			}
			if moreFlag && !a.engine.LoadMoreMessages(cmd.Context(), target, groupFlag) {
				fmt.Fprintln(out, "(reached the beginning of the chain)")
			}
			messages, err := a.engine.Messages(target, groupFlag)
			if err != nil {
				return err
			}
			printTimeline(out, a.engine.Viewer(), messages)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer|group> <text>...",
	Short: "Send an encrypted message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			if _, err := a.engine.EnsureSessionAuthorized(ctx); err != nil {
				return err
			}

			txHash, err := a.engine.SendMessage(ctx, strings.Join(args[1:], " "), args[0], groupFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Submitted:       %s\n", a.cfg.ActiveNetwork().TxURL(txHash))
			if noWaitFlag {
				return nil
			}

			confirmation, ok := a.engine.Confirmation(txHash)
			if !ok {
				return nil
			}
			if _, err := confirmation.Wait(ctx); err != nil {
				return fmt.Errorf("message is still pending: %w", err)
			}
			fmt.Fprintln(out, "Status:          Delivered")
			return nil
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <peer|group>",
	Short: "Delete the local archive of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(a *app) error {
			removed, err := a.engine.ResetConversation(args[0], groupFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed:         %d archived messages\n", removed)
			return nil
		})
	},
}

var usernameCmd = &cobra.Command{
	Use:   "username",
	Short: "Show the username of the connected wallet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			if a.engine.Viewer() == "" {
				return chat.ErrWalletNotConnected
			}
			return printUsername(cmd, a, a.engine.Viewer())
		})
	},
}

var usernameGetCmd = &cobra.Command{
	Use:   "get <address>",
	Short: "Look up the username registered for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			return printUsername(cmd, a, args[0])
		})
	},
}

var usernameSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Register a username for the connected wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			txHash, err := a.engine.SetUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Username set:    %s\n", a.cfg.ActiveNetwork().TxURL(txHash))
			return nil
		})
	},
}

func printUsername(cmd *cobra.Command, a *app, address string) error {
	name, err := a.engine.Username(cmd.Context(), address)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", address, valueOr(name, "(no username)"))
	return nil
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List recent conversations of the connected wallet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			chats, err := a.engine.RecentChats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(chats) == 0 {
				fmt.Fprintln(out, "(no recent chats)")
			}
			for _, c := range chats {
				fmt.Fprintf(out, "%s  %s  %s\n", formatTime(c.Timestamp), c.User,
					truncate.Truncate(c.LastMessage, 48, "...", truncate.PositionEnd))
			}
			return nil
		})
	},
}

func printTimeline(out io.Writer, viewer string, messages []models.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return
	}
	for _, m := range messages {
		author := m.MainWallet
		if author == "" {
			author = m.Sender
		}
		if author == viewer {
			author = "me"
		} else {
			author = truncate.Truncate(author, 13, "...", truncate.PositionMiddle)
		}
		fmt.Fprintf(out, "%s  %-13s  %-10s  %s\n", formatTime(m.Timestamp), author, m.StatusText(), m.Content)
	}
}

func filterBefore(messages []models.Message, before int64) []models.Message {
	out := messages[:0]
	for _, m := range messages {
		if m.Timestamp < before {
			out = append(out, m)
		}
	}
	return out
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}
