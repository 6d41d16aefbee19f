package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MountAuthRoutes registers the /api/auth surface. The adminGuard middleware
// protects the administrative endpoints; pass nil to leave them open (tests,
// trusted networks).
func MountAuthRoutes(router gin.IRouter, service *Service, configuration ServerConfig, adminGuard gin.HandlerFunc) {
	authGroup := router.Group("/api/auth")

	authGroup.POST("/token", func(contextGin *gin.Context) {
		grantType := contextGin.PostForm("grant_type")
		switch grantType {
		case "password":
			if !isClientValid(contextGin, configuration) {
				contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Invalid credentials."})
				return
			}
			handleLogin(contextGin, service, LoginInput{
				Username:   contextGin.PostForm("username"),
				Password:   contextGin.PostForm("password"),
				ClientIP:   contextGin.ClientIP(),
				DeviceInfo: contextGin.Request.UserAgent(),
			})
		case "refresh_token":
			refreshToken := contextGin.PostForm("refresh_token")
			if refreshToken == "" {
				contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Invalid Refresh Token."})
				return
			}
			handleRefresh(contextGin, service, RefreshInput{
				RefreshToken: refreshToken,
				ClientIP:     contextGin.ClientIP(),
			})
		default:
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Invalid Request."})
		}
	})

	authGroup.POST("/login", func(contextGin *gin.Context) {
		var inbound struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Invalid Request."})
			return
		}
		handleLogin(contextGin, service, LoginInput{
			Username:   inbound.Username,
			Password:   inbound.Password,
			ClientIP:   contextGin.ClientIP(),
			DeviceInfo: contextGin.Request.UserAgent(),
		})
	})

	authGroup.POST("/register", func(contextGin *gin.Context) {
		var inbound struct {
			Username    string `json:"username"`
			Email       string `json:"email"`
			Password    string `json:"password"`
			Phone       string `json:"phone"`
			DateOfBirth string `json:"dateOfBirth"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Invalid Request."})
			return
		}
		_, registerErr := service.Register(contextGin.Request.Context(), RegisterInput{
			Username:    inbound.Username,
			Email:       inbound.Email,
			Password:    inbound.Password,
			Phone:       inbound.Phone,
			DateOfBirth: inbound.DateOfBirth,
		})
		if registerErr != nil {
			writeFailure(contextGin, registerErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Registered successfully."})
	})

	authGroup.POST("/logout", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
			Username     string `json:"username"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.RefreshToken == "" {
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Refresh token is required."})
			return
		}
		logoutErr := service.Logout(contextGin.Request.Context(), LogoutInput{
			RefreshToken: inbound.RefreshToken,
			Username:     inbound.Username,
			ClientIP:     contextGin.ClientIP(),
		})
		if logoutErr != nil {
			writeFailure(contextGin, logoutErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Logged out successfully."})
	})

	adminGroup := authGroup.Group("")
	if adminGuard != nil {
		adminGroup.Use(adminGuard)
	}

	adminGroup.POST("/force-logout", func(contextGin *gin.Context) {
		var inbound struct {
			Username string `json:"username"`
			Reason   string `json:"reason"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.Username == "" {
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Username is required."})
			return
		}
		revokedCount, forceErr := service.ForceLogout(contextGin.Request.Context(), inbound.Username, inbound.Reason, contextGin.ClientIP())
		if forceErr != nil {
			writeFailure(contextGin, forceErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"message":      "Successfully logged out user.",
			"sessionCount": revokedCount,
		})
	})

	adminGroup.GET("/active-sessions", func(contextGin *gin.Context) {
		username := contextGin.Query("username")
		if username == "" {
			contextGin.JSON(http.StatusBadRequest, gin.H{"message": "Username is required."})
			return
		}
		sessions, listErr := service.ActiveSessions(contextGin.Request.Context(), username)
		if listErr != nil {
			writeFailure(contextGin, listErr)
			return
		}
		payload := make([]gin.H, 0, len(sessions))
		for _, session := range sessions {
			payload = append(payload, gin.H{
				"deviceInfo":  session.DeviceInfo,
				"createdAt":   session.CreatedAt,
				"expiresAt":   session.ExpiresAt,
				"createdByIp": session.CreatedByIP,
			})
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"username":       username,
			"activeSessions": payload,
			"sessionCount":   len(sessions),
		})
	})
}

func handleLogin(contextGin *gin.Context, service *Service, input LoginInput) {
	pair, loginErr := service.Login(contextGin.Request.Context(), input)
	if loginErr != nil {
		writeFailure(contextGin, loginErr)
		return
	}
	writeTokenPair(contextGin, pair)
}

func handleRefresh(contextGin *gin.Context, service *Service, input RefreshInput) {
	pair, refreshErr := service.Refresh(contextGin.Request.Context(), input)
	if refreshErr != nil {
		writeFailure(contextGin, refreshErr)
		return
	}
	writeTokenPair(contextGin, pair)
}

func writeTokenPair(contextGin *gin.Context, pair *TokenPair) {
	contextGin.JSON(http.StatusOK, gin.H{
		"message":          pair.Message,
		"accessToken":      pair.AccessToken,
		"refreshToken":     pair.RefreshToken,
		"tokenType":        pair.TokenType,
		"expiresIn":        pair.ExpiresIn,
		"refreshExpiresIn": pair.RefreshExpiresIn,
		"roles":            pair.Roles,
	})
}

// writeFailure maps a business failure to its transport shape. Token
// lifecycle failures answer 401 so clients drop the session; everything else
// business-level answers 400; unexpected failures answer 500 with no internal
// detail.
func writeFailure(contextGin *gin.Context, err error) {
	failure := FailureOf(err)
	switch failure.Code {
	case ErrTokenNotFound.Code, ErrTokenExpired.Code, ErrTokenRevoked.Code, ErrTokenLifetimeExceeded.Code:
		body := gin.H{"message": "Session has been invalidated. Please log in again."}
		if failure.RevokeReason != "" {
			body["reason"] = failure.RevokeReason
		} else {
			body["reason"] = "Token not found or expired"
		}
		contextGin.JSON(http.StatusUnauthorized, body)
	case ErrAlreadyLoggedIn.Code:
		contextGin.JSON(http.StatusBadRequest, gin.H{
			"message":          failure.Message,
			"alreadyLoggedIn":  true,
			"sessionStartedAt": failure.SessionStartedAt,
			"deviceInfo":       failure.DeviceInfo,
		})
	case ErrValidationFailed.Code:
		contextGin.JSON(http.StatusBadRequest, gin.H{
			"message": failure.Message,
			"errors":  failure.FieldErrors,
		})
	case ErrUnexpected.Code:
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": failure.Message})
	default:
		contextGin.JSON(http.StatusBadRequest, gin.H{"message": failure.Message})
	}
}

// isClientValid checks the password-grant client credentials, supplied either
// as form fields or as a Basic Authorization header.
func isClientValid(contextGin *gin.Context, configuration ServerConfig) bool {
	clientID := contextGin.PostForm("client_id")
	clientSecret := contextGin.PostForm("client_secret")
	if clientID == "" && clientSecret == "" {
		basicID, basicSecret, ok := contextGin.Request.BasicAuth()
		if !ok {
			return false
		}
		clientID, clientSecret = basicID, basicSecret
	}
	if clientID == "" || clientSecret == "" {
		return false
	}
	return clientID == configuration.ClientID && clientSecret == configuration.ClientSecret
}
