package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/service"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a new user with a reference voice sample",
	Long: `Enroll a new user on the embedding service. Without --file a reference
sample is recorded first; it must be at least the enrollment minimum long.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := service.EnrollRequest{}
		req.Name, _ = cmd.Flags().GetString("name")
		req.Surname, _ = cmd.Flags().GetString("surname")
		req.Email, _ = cmd.Flags().GetString("email")
		file, _ := cmd.Flags().GetString("file")
		output, _ := cmd.Flags().GetString("output")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			user *api.User
			err  error
		)
		if file != "" {
			user, err = enrollFile(ctx, req, file)
		} else {
			user, err = enrollRecording(ctx, req)
		}
		if err != nil {
			return err
		}

		return printOutput(os.Stdout, output, user, func() error {
			fmt.Printf("%s %s %s <%s> enrolled with id %d\n",
				styles.Match.Render("✓"), user.Name, user.Surname, user.Email, user.ID)
			return nil
		})
	},
}

func enrollFile(ctx context.Context, req service.EnrollRequest, path string) (*api.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Surname = strings.TrimSpace(req.Surname)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	verr := service.ValidateEnrollment(req)
	a, err := audio.LoadArtifact(path)
	if err != nil {
		verr.Add("audio", err.Error())
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	defer a.Release()

	data, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	return newClient().CreateUser(ctx, api.NewUser{
		Name:    req.Name,
		Surname: req.Surname,
		Email:   req.Email,
		Audio:   api.AudioFile{Name: a.Filename("audio"), ContentType: a.MIMEType, Data: data},
	})
}

func enrollRecording(ctx context.Context, req service.EnrollRequest) (*api.User, error) {
	// Check the form before asking for a sample
	check := req
	check.Email = strings.ToLower(strings.TrimSpace(check.Email))
	check.Name = strings.TrimSpace(check.Name)
	check.Surname = strings.TrimSpace(check.Surname)
	if err := service.ValidateEnrollment(check).OrNil(); err != nil {
		return nil, err
	}

	svc, _, cleanup, err := newService(false)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ws := svc.Enroll()
	if _, err := captureInteractive(ctx, ws); err != nil {
		if errors.Is(err, apperr.ErrRecordingTooShort) {
			return nil, fmt.Errorf("%w, please record again", err)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ws.Enroll(context.WithoutCancel(ctx), req)
}

func init() {
	enrollCmd.Flags().String("name", "", "first name")
	enrollCmd.Flags().String("surname", "", "last name")
	enrollCmd.Flags().String("email", "", "email address")
	enrollCmd.Flags().StringP("file", "f", "", "enroll a saved sample instead of recording")
	enrollCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
}
