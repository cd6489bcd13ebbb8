package storage

import "fmt"

type duplicateLabelError string

func (e duplicateLabelError) Error() string {
	return fmt.Sprintf("category label %q already exists", string(e))
}

func errDuplicateLabel(label string) error { return duplicateLabelError(label) }
