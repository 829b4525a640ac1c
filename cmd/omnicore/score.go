package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/omnicore/internal/scoring"
)

var (
	scorePhone     string
	scoreTreatment string
	scoreReferred  bool
	scoreMedia     bool
)

type scoreOutput struct {
	scoring.Result
	TreatmentName string `json:"treatment_name,omitempty"`
}

var scoreCmd = &cobra.Command{
	Use:   "score [message text]",
	Short: "Score a message the way the assistant scores inbound leads",
	Example: `  omnicore score --phone +447700900123 "How much are implants? I can come next week"
  omnicore score --treatment veneers --media "here are my x-rays"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, _ := scoring.Score(
			scoring.Lead{Treatment: scoreTreatment, Phone: scorePhone, Referred: scoreReferred},
			scoring.Message{Text: strings.Join(args, " "), HasMedia: scoreMedia},
			scoring.State{},
		)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(scoreOutput{Result: res, TreatmentName: scoring.TreatmentName(res.Treatment)})
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scorePhone, "phone", "", "lead phone number in E.164 form")
	scoreCmd.Flags().StringVar(&scoreTreatment, "treatment", "", "treatment key carried from earlier messages")
	scoreCmd.Flags().BoolVar(&scoreReferred, "referred", false, "lead arrived through a referral")
	scoreCmd.Flags().BoolVar(&scoreMedia, "media", false, "message carried a photo or document")
}
