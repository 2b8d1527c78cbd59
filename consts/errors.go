package consts

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed message")

	ErrRuleNotFound = errors.New("rule not found")

	ErrDBNotFound                = errors.New("not found")
	ErrDBInsertFailed            = errors.New("insert failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")

	ErrScriptTimeout = errors.New("script execution timed out")
)
