package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage enrolled users",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled users",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		users, err := newClient().ListUsers(cmd.Context())
		if err != nil {
			return err
		}

		return printOutput(os.Stdout, output, users, func() error {
			if len(users) == 0 {
				fmt.Println(styles.Help.Render("No users enrolled"))
				return nil
			}
			fmt.Println(styles.Title.Render(fmt.Sprintf("%-6s %-20s %-20s %s", "ID", "NAME", "SURNAME", "EMAIL")))
			for _, u := range users {
				fmt.Printf("%-6d %-20s %-20s %s\n", u.ID, u.Name, u.Surname, u.Email)
			}
			return nil
		})
	},
}

var usersGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one enrolled user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		user, err := newClient().GetUser(cmd.Context(), id)
		if err != nil {
			return err
		}

		return printOutput(os.Stdout, output, user, func() error {
			fmt.Printf("%s %d\n", styles.Label.Render("id:     "), user.ID)
			fmt.Printf("%s %s %s\n", styles.Label.Render("name:   "), user.Name, user.Surname)
			fmt.Printf("%s %s\n", styles.Label.Render("email:  "), user.Email)
			return nil
		})
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete an enrolled user and its reference voice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		if err := newClient().DeleteUser(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("User %d deleted\n", id)
		return nil
	},
}

func parseUserID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id '%s': must be a positive integer", s)
	}
	return id, nil
}

func init() {
	usersListCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	usersGetCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersGetCmd)
	usersCmd.AddCommand(usersDeleteCmd)
}
