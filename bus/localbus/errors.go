// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package localbus

import "errors"

var (
	errClosed      = errors.New("localbus: bus is closed")
	errNoOwner     = errors.New("localbus: endpoint has no owning bus")
	errMailboxFull = errors.New("localbus: endpoint mailbox full")
)
